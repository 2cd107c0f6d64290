// Package textutil holds small pure text helpers shared across the
// pipeline and cascade orchestrators.
package textutil

// SplitText ports split(text, max_chars): an empty string yields a single
// empty chunk; otherwise the text is cut into ceil(len/max_chars) chunks
// whose concatenation reproduces it exactly.
func SplitText(text string, maxChars int) []string {
	if text == "" {
		return []string{""}
	}
	if maxChars <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += maxChars {
		end := i + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}
