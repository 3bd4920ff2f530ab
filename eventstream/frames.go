package eventstream

import "bytes"

// splitFrames splits a websocket frame into individual JSON objects. The
// server concatenates objects in one frame ({"id":1,...}{"push":...}) and may
// separate them with newlines. Brace depth outside string literals delimits
// the objects.
func splitFrames(raw []byte) [][]byte {
	var out [][]byte
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, b := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, raw[start:i+1])
				start = -1
			}
		}
	}
	return out
}

func isEmptyObject(part []byte) bool {
	trimmed := bytes.TrimSpace(part)
	if len(trimmed) != 2 {
		return false
	}
	return trimmed[0] == '{' && trimmed[1] == '}'
}
