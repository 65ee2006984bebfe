package assemble

import (
	"regexp"
	"strings"
)

// IPCommand is a decoded HTTP request definition stored on the hub for a
// network-controlled device.
type IPCommand struct {
	Method  string
	URL     string
	Headers map[string]string
}

var httpVerbs = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

var verbPattern = regexp.MustCompile(`(?i)\b(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\b`)

// ConsumeLengthPrefixedString decodes a length-prefixed UTF-8 string from buf
// at offset and returns it with the cursor past the string.
func ConsumeLengthPrefixedString(buf []byte, offset int) (string, int) {
	if offset >= len(buf) {
		return "", offset
	}
	length := int(buf[offset])
	start := offset + 1
	end := start + length
	if end > len(buf) {
		end = len(buf)
	}
	return strings.Trim(sanitizeUTF8(buf[start:end]), "\x00"), end
}

// ExtractTextFields returns up to count decoded fields from a length-prefixed
// payload segment, falling back to NUL-separated parts for empty slots.
func ExtractTextFields(payload []byte, start, count int) []string {
	cursor := start
	fields := make([]string, 0, count)
	for i := 0; i < count; i++ {
		var text string
		text, cursor = ConsumeLengthPrefixedString(payload, cursor)
		fields = append(fields, text)
	}

	if cursor < len(payload) {
		var parts []string
		for _, p := range strings.Split(string(payload[cursor:]), "\x00") {
			if p != "" {
				parts = append(parts, strings.Trim(sanitizeUTF8([]byte(p)), "\x00"))
			}
		}
		for idx, part := range parts {
			if idx >= len(fields) {
				break
			}
			if fields[idx] == "" {
				fields[idx] = part
			}
		}
	}
	return fields
}

// DecodeUTF16LESegment decodes a UTF-16LE string from payload between start
// and start+length (length < 0 means to the end), keeping only printable
// ASCII.
func DecodeUTF16LESegment(payload []byte, start, length int) string {
	if start < 0 || start >= len(payload) {
		return ""
	}
	end := len(payload)
	if length >= 0 && start+length < end {
		end = start + length
	}
	text := decodeUTF16LE(payload[start:end])
	return strings.TrimSpace(stripNonPrintable(text))
}

// DecodeASCIIBlocks splits an ASCII-ish payload into human-readable lines.
func DecodeASCIIBlocks(payload []byte) []string {
	decoded := sanitizeUTF8(payload)
	decoded = strings.ReplaceAll(decoded, "\r", "\n")
	var parts []string
	for _, p := range strings.Split(decoded, "\n") {
		if trimmed := strings.Trim(p, "\x00"); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func parseHeaderLines(lines []string, into map[string]string) {
	for _, line := range lines {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		into[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
}

// ParseIPCommandFields extracts the HTTP method, URL, and headers from an IP
// command payload. The primary layout is three length-prefixed strings; older
// rows embed a raw request line instead, so a heuristic pass over the ASCII
// content fills whatever the structured parse left blank.
func ParseIPCommandFields(payload []byte) IPCommand {
	cmd := IPCommand{Headers: make(map[string]string)}

	if len(payload) > 0 {
		cursor := 0
		mLen := int(payload[cursor])
		cursor++
		cmd.Method = sanitizeUTF8([]byte(sliceClamp(payload, cursor, cursor+mLen)))
		cursor += mLen
		if cursor < len(payload) {
			uLen := int(payload[cursor])
			cursor++
			cmd.URL = sanitizeUTF8([]byte(sliceClamp(payload, cursor, cursor+uLen)))
			cursor += uLen
		}
		if cursor < len(payload) {
			hLen := int(payload[cursor])
			cursor++
			blob := sanitizeUTF8([]byte(sliceClamp(payload, cursor, cursor+hLen)))
			parseHeaderLines(strings.Split(blob, "\n"), cmd.Headers)
		}
	}

	asciiParts := DecodeASCIIBlocks(payload)
	for _, part := range asciiParts {
		clean := stripNonPrintable(part)
		upperClean := strings.ToUpper(clean)

		if cmd.Method == "" {
			for _, verb := range httpVerbs {
				if strings.Contains(upperClean, verb) {
					cmd.Method = verb
					break
				}
			}
			if cmd.Method == "" && isAlpha(clean) {
				cmd.Method = upperClean
			}
		}
		if cmd.URL == "" {
			lowerClean := strings.ToLower(clean)
			if strings.HasPrefix(lowerClean, "http") {
				cmd.URL = clean
			} else if cmd.Method != "" && strings.Contains(lowerClean, "http") {
				for _, tok := range strings.Fields(clean) {
					lower := strings.ToLower(tok)
					if strings.HasPrefix(lower, "http/") {
						continue
					}
					if strings.HasPrefix(lower, "http") {
						cmd.URL = tok
						break
					}
				}
			}
		}
		if cmd.Method != "" && cmd.URL == "" && !strings.Contains(strings.ToLower(clean), "http/") {
			tokens := strings.Fields(clean)
			for i, tok := range tokens {
				if tok == cmd.Method && i+1 < len(tokens) {
					candidate := tokens[i+1]
					if !strings.HasPrefix(strings.ToLower(candidate), "http/") {
						cmd.URL = candidate
					}
					break
				}
			}
		}
		if strings.Contains(clean, ":") {
			parseHeaderLines([]string{clean}, cmd.Headers)
		}
	}

	if cmd.Method != "" && !isAlpha(cmd.Method) {
		if m := verbPattern.FindString(cmd.Method); m != "" {
			cmd.Method = strings.ToUpper(m)
		}
	}

	// "HTTP/1.1" from a raw request line is a protocol version, not a URL.
	if strings.HasPrefix(strings.ToUpper(cmd.URL), "HTTP/") {
		cmd.URL = ""
	}

	if cmd.URL == "" || strings.HasPrefix(cmd.URL, "-") ||
		strings.HasPrefix(strings.ToLower(cmd.URL), "content-") {
		cmd.URL = recoverURL(asciiParts, cmd.Method)
	}

	return cmd
}

// recoverURL rescans the ASCII lines for a path or absolute URL when the
// structured parse produced garbage, preferring the token right after the
// method verb.
func recoverURL(asciiParts []string, method string) string {
	for _, part := range asciiParts {
		if method == "" {
			continue
		}
		tokens := strings.Fields(part)
		for i, tok := range tokens {
			if strings.Contains(strings.ToUpper(tok), method) && i+1 < len(tokens) {
				candidate := tokens[i+1]
				if !strings.HasPrefix(strings.ToLower(candidate), "http/") &&
					strings.HasPrefix(candidate, "/") {
					return candidate
				}
			}
			lower := strings.ToLower(tok)
			if strings.HasPrefix(lower, "http/") {
				continue
			}
			if strings.HasPrefix(tok, "/") || strings.HasPrefix(lower, "http") {
				return tok
			}
		}
	}
	return ""
}

func sliceClamp(b []byte, start, end int) string {
	if start > len(b) {
		return ""
	}
	if end > len(b) {
		end = len(b)
	}
	return string(b[start:end])
}

func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// sanitizeUTF8 mimics lenient UTF-8 decoding by dropping bytes that are not
// part of a valid sequence.
func sanitizeUTF8(b []byte) string {
	var sb strings.Builder
	for i := 0; i < len(b); {
		c := b[i]
		if c < 0x80 {
			sb.WriteByte(c)
			i++
			continue
		}
		var n int
		switch {
		case c&0xE0 == 0xC0:
			n = 2
		case c&0xF0 == 0xE0:
			n = 3
		case c&0xF8 == 0xF0:
			n = 4
		default:
			i++
			continue
		}
		if i+n > len(b) {
			i++
			continue
		}
		valid := true
		for j := 1; j < n; j++ {
			if b[i+j]&0xC0 != 0x80 {
				valid = false
				break
			}
		}
		if valid {
			sb.Write(b[i : i+n])
			i += n
		} else {
			i++
		}
	}
	return sb.String()
}
