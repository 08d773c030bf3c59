// Package outputlog stores chunks of several streams in one file, so that a
// console session can be recorded and replayed later with its original
// timing.
//
// Every chunk is one record:
//
//	stream timestamp length: content\n
//
//   - stream: [a-zA-Z0-9_./-]{1,64}, for example stdout, stderr or system
//   - timestamp: UTC, 2006-01-02T15:04:05.000000000Z
//   - length: byte length of content
//   - content: exactly length bytes, may contain newlines and binary data
//
// The trailing newline after content is a record separator and always
// written, so a chunk that ends in a newline is followed by a second one:
//
//	stdout 2025-01-07T12:00:00.000000000Z 4: foo\n\n
//	stderr 2025-01-07T12:00:01.000000000Z 5: error\n
//
// Because the length is explicit, a reader can tell "error" (an unfinished
// line) from "error\n".
package outputlog
