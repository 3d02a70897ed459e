// Package mjpeg reconstructs JPEG frames from an MJPEG "multipart replace"
// byte stream delivered in arbitrarily sized chunks.
//
// The parser does not implement RFC 2046 boundary handling. It collects
// everything between images as header text and treats the JPEG
// start-of-image marker (0xFF 0xD8) as the end of a part's headers; the
// part's Content-Length then says how many payload bytes follow. The
// central type is [Assembler]; header field lookup is provided by
// [ContentLength] and [Timestamp].
package mjpeg
