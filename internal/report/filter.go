package report

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/loykin/svcprobe/internal/pipeline"
)

// RegexFilters selects steps by name. An empty MustMatch selects everything.
type RegexFilters struct {
	MustMatch    RegexList
	MustNotMatch RegexList
}

func (r RegexFilters) Match(name string) bool {
	return (!r.MustMatch.IsDefined() || r.MustMatch.AnyMatch(name)) &&
		!r.MustNotMatch.AnyMatch(name)
}

// Filter returns nil when no patterns are set.
func (r RegexFilters) Filter() pipeline.Filter {
	if !r.MustMatch.IsDefined() && !r.MustNotMatch.IsDefined() {
		return nil
	}
	return r.Match
}

// ErrNoneSelected means the patterns exclude every step of the plan.
var ErrNoneSelected = errors.New("step filters select no steps")

// Check fails with ErrNoneSelected when no step of a non-empty plan passes the filters.
func (r RegexFilters) Check(steps []pipeline.Step) error {
	if len(steps) == 0 {
		return nil
	}
	for _, s := range steps {
		if r.Match(s.Name) {
			return nil
		}
	}
	return fmt.Errorf("%w: run %s, skip %s", ErrNoneSelected, orNone(r.MustMatch), orNone(r.MustNotMatch))
}

func orNone(l RegexList) string {
	if !l.IsDefined() {
		return "none"
	}
	return l.String()
}

// RegexList is a repeatable command line flag of regular expressions.
type RegexList struct {
	patterns []*regexp.Regexp
}

func (r RegexList) String() string {
	var ss []string
	for _, p := range r.patterns {
		ss = append(ss, `"`+p.String()+`"`)
	}
	return strings.Join(ss, " or ")
}

// Set is called by the command line parser
func (r *RegexList) Set(value string) error {
	rx, err := regexp.Compile(value)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	r.patterns = append(r.patterns, rx)
	return nil
}

func (r *RegexList) Type() string { return "regex" }

func (r RegexList) IsDefined() bool {
	return len(r.patterns) != 0
}

func (r RegexList) AnyMatch(s string) bool {
	for _, p := range r.patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ParseFilters compiles run/skip pattern lists.
func ParseFilters(run, skip []string) (RegexFilters, error) {
	var f RegexFilters
	for _, p := range run {
		if err := f.MustMatch.Set(p); err != nil {
			return RegexFilters{}, err
		}
	}
	for _, p := range skip {
		if err := f.MustNotMatch.Set(p); err != nil {
			return RegexFilters{}, err
		}
	}
	return f, nil
}

func PrintFilterDescription(w io.Writer, filters RegexFilters) {
	if !filters.MustMatch.IsDefined() && !filters.MustNotMatch.IsDefined() {
		return
	}
	_, _ = fmt.Fprintln(w, "Some steps will be skipped based on the filter criteria for this run:")
	if filters.MustMatch.IsDefined() {
		_, _ = fmt.Fprintf(w, "  skip any not matching %s\n", filters.MustMatch)
	}
	if filters.MustNotMatch.IsDefined() {
		_, _ = fmt.Fprintf(w, "  skip any matching %s\n", filters.MustNotMatch)
	}
	_, _ = fmt.Fprintln(w)
}
