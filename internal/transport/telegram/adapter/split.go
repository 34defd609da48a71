package adapter

import "strings"

// textLimit stays under Telegram's 4096 character message cap.
const textLimit = 4000

// splitText cuts s into parts of at most limit runes, preferring a newline
// in the last two thirds of each window. It always returns at least one part.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > 0 {
		end := min(limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if part := strings.TrimRight(string(rs[:end]), "\n"); part != "" {
			out = append(out, part)
		}
		rs = rs[end:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}
