package chart

import (
	"bytes"
	"fmt"
	"math"
)

// Braille blocks, 4 sub-blocks high: empty, 1/4, 1/2, 3/4, full
var blocks = []rune{'⠀', '⣀', '⣤', '⣶', '⣿'}

// Sparkline renders values as a multi-line Braille bar chart with max and
// min labels. Fewer than two values render as an empty string.
func Sparkline(values []float64, height int) string {
	if len(values) < 2 {
		return ""
	}
	if height <= 0 {
		height = 10
	}

	minVal, maxVal := values[0], values[0]
	for _, v := range values {
		minVal = math.Min(minVal, v)
		maxVal = math.Max(maxVal, v)
	}

	// Dynamic scaling with buffer
	buffer := 10.0
	minVal = math.Max(0, minVal-buffer)
	maxVal += buffer
	rangeVal := maxVal - minVal

	subBlocksPerLine := float64(len(blocks) - 1)

	rows := make([][]rune, height)
	for i := range rows {
		rows[i] = make([]rune, len(values))
		for j := range rows[i] {
			rows[i][j] = blocks[0]
		}
	}

	for x, val := range values {
		total := (val - minVal) / rangeVal * float64(height) * subBlocksPerLine

		// Fill lines from bottom up
		for y := 0; y < height; y++ {
			lineIdx := height - 1 - y
			lineStart := float64(y) * subBlocksPerLine
			lineEnd := float64(y+1) * subBlocksPerLine

			if total >= lineEnd {
				rows[lineIdx][x] = blocks[len(blocks)-1]
			} else if total > lineStart {
				remainder := int(math.Round(total - lineStart))
				remainder = max(0, min(remainder, len(blocks)-1))
				rows[lineIdx][x] = blocks[remainder]
			}
		}
	}

	var result bytes.Buffer
	result.WriteString(fmt.Sprintf("Max: %.0f\n", maxVal))
	for _, row := range rows {
		result.WriteString(string(row))
		result.WriteString("\n")
	}
	result.WriteString(fmt.Sprintf("Min: %.0f", minVal))
	return result.String()
}
