package router

import (
	"regexp"
	"strings"
)

var (
	projectFlag = regexp.MustCompile(`(?:^|\s)--project(?:=|\s+)(?:"([^"]*)"|(\S+))`)
	keepFlag    = regexp.MustCompile(`(?:^|\s)--keep(?:\s|$)`)
)

// ParseProjectFlag removes the first --project=<name> or --project <name>
// from text. Quoted names may contain spaces.
func ParseProjectFlag(text string) (description, projectName string) {
	loc := projectFlag.FindStringSubmatchIndex(text)
	if loc == nil {
		return strings.TrimSpace(text), ""
	}
	switch {
	case loc[2] >= 0:
		projectName = text[loc[2]:loc[3]]
	case loc[4] >= 0:
		projectName = text[loc[4]:loc[5]]
	}
	description = strings.TrimSpace(text[:loc[0]] + " " + text[loc[1]:])
	return description, strings.TrimSpace(projectName)
}

// cutKeepFlag removes --keep from text and reports whether it was present.
func cutKeepFlag(text string) (string, bool) {
	if !keepFlag.MatchString(text) {
		return strings.TrimSpace(text), false
	}
	return strings.TrimSpace(keepFlag.ReplaceAllString(text, " ")), true
}
