// Package terminal erases prompts from the terminal once they were answered.
package terminal

import (
	"io"
	"os"

	"golang.org/x/term"
)

const defaultWidth = 80

// ClearPreviousLines erases the stdout lines that held textLength characters
// of prompt and input, and the empty line Enter moved the cursor to.
func ClearPreviousLines(textLength int) {
	width := defaultWidth
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	clearLines(os.Stdout, linesUsed(textLength, width)+1)
}

// linesUsed is the number of rows n characters wrap to at width.
func linesUsed(n, width int) int {
	if n <= 0 {
		return 1
	}
	return (n + width - 1) / width
}

func clearLines(w io.Writer, n int) {
	for i := 0; i < n; i++ {
		_, _ = io.WriteString(w, "\r\x1b[2K")
		if i < n-1 {
			_, _ = io.WriteString(w, "\x1b[1A")
		}
	}
}
