// Package grounding turns raw phrase-grounding output into labeled pixel boxes.
//
// The model emits text such as
//
//	<s>a red car<loc_52><loc_339><loc_432><loc_712>a tree<loc_600><loc_12><loc_998><loc_640></s>
//
// Each label is followed by one or more runs of four location tokens. Two
// strategies are available: the model's own post-processor (see Adapter) and
// the token grammar parser in this file, used when the former is missing or
// returns something unusable.
//
// The grammar has a known gap: a label that itself contains "loc_" text or
// digit runs next to angle brackets may be split in the wrong place. Label
// character sets are not specified anywhere, so the parser keeps accepting
// any text rather than guessing a narrower class.
package grounding

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/menta2k/phrase-grounder/pkg/types"
)

var (
	// lazy label, then one or more location tokens
	labelWithLocations = regexp.MustCompile(`(?s)(.+?)((?:<loc_\d+>)+)`)
	locationToken      = regexp.MustCompile(`<loc_(\d+)>`)
	trailingPunct      = regexp.MustCompile(`[:;,.]+$`)

	sequenceMarkers = strings.NewReplacer("<s>", "", "</s>", "", "<pad>", "")
)

// CleanGroundingText removes the task tag and sequence markers from decoded
// grounding output.
func CleanGroundingText(text, task string) string {
	if task != "" {
		text = strings.ReplaceAll(text, task, "")
	}
	return strings.TrimSpace(sequenceMarkers.Replace(text))
}

// NormalizeLabel trims surrounding whitespace and trailing punctuation
func NormalizeLabel(raw string) string {
	label := strings.TrimSpace(raw)
	label = trailingPunct.ReplaceAllString(label, "")
	return strings.TrimSpace(label)
}

// ParseTokens extracts every label and its boxes from cleaned grounding text.
// A label followed by more than four location tokens yields one box per
// complete group of four; an incomplete trailing group is dropped. Boxes are
// returned in order of appearance. The result is never nil.
func ParseTokens(text string, size types.ImageSize) []types.BoundingBox {
	objects := []types.BoundingBox{}

	for _, m := range labelWithLocations.FindAllStringSubmatch(text, -1) {
		label := NormalizeLabel(m[1])
		values := locationValues(m[2])

		for i := 0; i+4 <= len(values); i += 4 {
			locs := [4]int{values[i], values[i+1], values[i+2], values[i+3]}
			objects = append(objects, types.BoundingBox{
				Box:   Denormalize(locs, size),
				Label: label,
			})
		}
	}

	return objects
}

func locationValues(run string) []int {
	matches := locationToken.FindAllStringSubmatch(run, -1)
	values := make([]int, 0, len(matches))
	for _, m := range matches {
		v, err := strconv.Atoi(m[1])
		if err != nil {
			// digit run too long for int; skip like a missing token
			continue
		}
		values = append(values, v)
	}
	return values
}
