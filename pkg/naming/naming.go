// Package naming enforces the branch and commit message conventions
// used by the automation: branches follow TEAM_LEADER_AI_Fix, commit
// messages carry a bracketed type tag.
package naming

import (
	"fmt"
	"regexp"
	"strings"
)

// BranchSuffix is appended to every generated branch name. The casing
// is fixed.
const BranchSuffix = "AI_Fix"

// InvalidNameError reports a team or leader name that is empty after
// sanitization.
type InvalidNameError struct {
	Field string
	Value string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid %s name %q: empty after sanitization", e.Field, e.Value)
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	disallowed    = regexp.MustCompile(`[^A-Za-z0-9_]`)

	// commitMessage matches "[<TYPE>] <text>" with a known type tag and
	// non-empty text.
	commitMessage = regexp.MustCompile(`^\[(AI|FIX|FEAT|HOTFIX|CHORE)\] \S.*$`)
)

// Token is the immutable naming input for a run, generated once at run
// initialization.
type Token struct {
	Team   string
	Leader string
	Suffix string
}

// NewToken sanitizes the team and leader names and returns the token
// used for branch generation.
func NewToken(teamName, leaderName string) (*Token, error) {
	team := Normalize(teamName)
	if team == "" {
		return nil, &InvalidNameError{Field: "team", Value: teamName}
	}

	leader := Normalize(leaderName)
	if leader == "" {
		return nil, &InvalidNameError{Field: "leader", Value: leaderName}
	}

	return &Token{
		Team:   team,
		Leader: leader,
		Suffix: BranchSuffix,
	}, nil
}

// BranchName returns the branch name for the token.
func (t *Token) BranchName() string {
	return t.Team + "_" + t.Leader + "_" + t.Suffix
}

// Normalize uppercases a name, collapses whitespace runs into single
// underscores and strips everything but letters, digits and
// underscores.
func Normalize(name string) string {
	s := strings.TrimSpace(name)
	s = whitespaceRun.ReplaceAllString(s, "_")
	s = disallowed.ReplaceAllString(s, "")

	return strings.ToUpper(s)
}

// GenerateBranchName builds the TEAM_LEADER_AI_Fix branch name from
// raw team and leader names. It fails with InvalidNameError if either
// input is empty after sanitization.
func GenerateBranchName(teamName, leaderName string) (string, error) {
	token, err := NewToken(teamName, leaderName)
	if err != nil {
		return "", err
	}

	return token.BranchName(), nil
}

// ValidateCommitMessage reports whether the message matches
// "[<TYPE>] <text>" with TYPE one of AI, FIX, FEAT, HOTFIX or CHORE.
func ValidateCommitMessage(message string) bool {
	return commitMessage.MatchString(message)
}
