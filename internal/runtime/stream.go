package runtime

import "bytes"

// StripStreamHeaders removes Docker's multiplexed stream framing from
// attach/log output: [stream_type(1)][0(3)][size(4)][payload] repeated.
// TTY streams carry no framing, so data that does not look like a header is
// passed through untouched.
func StripStreamHeaders(data []byte) []byte {
	var result bytes.Buffer
	for len(data) > 0 {
		if len(data) >= 8 && (data[0] == 0 || data[0] == 1 || data[0] == 2) &&
			data[1] == 0 && data[2] == 0 && data[3] == 0 {
			size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
			data = data[8:]
			if size > 0 && size <= len(data) {
				result.Write(data[:size])
				data = data[size:]
			} else {
				result.Write(data)
				break
			}
		} else {
			result.Write(data)
			break
		}
	}
	return result.Bytes()
}
