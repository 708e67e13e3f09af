// Package schema loads and validates per-domain extraction schemas.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/andybalholm/cascadia"
)

// WaitKey names the in-tree list of selectors to wait for before evaluating a subtree.
const WaitKey = "wait4selection"

var (
	// ErrInvalidSchema is returned when a schema document fails validation.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrScriptSelector marks a javascript: selector. Such selectors are
	// never evaluated.
	ErrScriptSelector = errors.New("script selector")
)

// Schema describes how to extract product and category data from one domain.
type Schema struct {
	Wait4Selection []string          `json:"wait4selection,omitempty"`
	Removals       map[string]string `json:"removals,omitempty"`
	Extract        Rules             `json:"extract"`

	raw     json.RawMessage
	scripts []string
}

// Rules is the extract section of a schema.
type Rules struct {
	IsProduct  string   `json:"isProduct,omitempty"`
	Product    any      `json:"product,omitempty"`
	IsCategory string   `json:"isCategory,omitempty"`
	Category   any      `json:"category,omitempty"`
	Links      []string `json:"links,omitempty"`
}

// LinkRule selects candidate links and canonicalizes them.
type LinkRule struct {
	Selector  string
	Attribute string
	Pattern   string
}

// LinkRule returns the link discovery rule, if the schema has one.
func (r Rules) LinkRule() (LinkRule, bool) {
	if len(r.Links) == 0 || strings.TrimSpace(r.Links[0]) == "" {
		return LinkRule{}, false
	}
	rule := LinkRule{Selector: r.Links[0], Attribute: "href"}
	if len(r.Links) > 1 && r.Links[1] != "" {
		rule.Attribute = r.Links[1]
	}
	if len(r.Links) > 2 {
		rule.Pattern = r.Links[2]
	}
	return rule, true
}

// Raw returns the document the schema was parsed from.
func (s *Schema) Raw() json.RawMessage {
	return s.raw
}

// ScriptSelectors lists the paths of script selectors kept by Decode.
func (s *Schema) ScriptSelectors() []string {
	return s.scripts
}

// Parse decodes a schema document and rejects it if any selector is invalid,
// script selectors included.
func Parse(raw []byte) (*Schema, error) {
	s, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Decode is Parse for documents already on disk: script selectors are
// recorded in ScriptSelectors and evaluate to null instead of failing the
// whole schema. Other invalid selectors are still rejected.
func Decode(raw []byte) (*Schema, error) {
	s, err := decode(raw)
	if err != nil {
		return nil, err
	}
	scripts, errs := s.check()
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, errors.Join(errs...))
	}
	s.scripts = scripts
	return s, nil
}

func decode(raw []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	s.raw = append(json.RawMessage(nil), raw...)
	return &s, nil
}

// Validate checks every selector in the schema compiles and that no selector
// is a script expression.
func (s *Schema) Validate() error {
	scripts, errs := s.check()
	for _, where := range scripts {
		errs = append(errs, fmt.Errorf("%s: %w", where, ErrScriptSelector))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSchema, errors.Join(errs...))
	}
	return nil
}

// check returns the paths holding script selectors and the errors of every
// other selector that does not compile.
func (s *Schema) check() (scripts []string, errs []error) {
	check := func(where, sel string) {
		if IsScriptSelector(sel) {
			scripts = append(scripts, where)
			return
		}
		if err := ValidateSelector(sel); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
	}
	for i, sel := range s.Wait4Selection {
		check(fmt.Sprintf("wait4selection[%d]", i), sel)
	}
	for key, sel := range s.Removals {
		check("removals."+key, sel)
	}
	if s.Extract.IsProduct != "" {
		check("extract.isProduct", s.Extract.IsProduct)
	}
	if s.Extract.IsCategory != "" {
		check("extract.isCategory", s.Extract.IsCategory)
	}
	if rule, ok := s.Extract.LinkRule(); ok {
		check("extract.links", rule.Selector)
	}
	walkSelectors("extract.product", s.Extract.Product, check)
	walkSelectors("extract.category", s.Extract.Category, check)
	sort.Strings(scripts)
	return scripts, errs
}

// ValidateSelector rejects script selectors and anything cascadia cannot compile.
func ValidateSelector(sel string) error {
	if IsScriptSelector(sel) {
		return fmt.Errorf("%w %q is not allowed", ErrScriptSelector, sel)
	}
	if _, err := cascadia.Compile(sel); err != nil {
		return fmt.Errorf("selector %q: %w", sel, err)
	}
	return nil
}

// IsScriptSelector reports whether sel is a javascript: expression.
func IsScriptSelector(sel string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(sel)), "javascript:")
}

// SelectorPair reports whether node is a [selector, operation] leaf.
func SelectorPair(node any) (selector, op string, ok bool) {
	arr, isArr := node.([]any)
	if !isArr || len(arr) != 2 {
		return "", "", false
	}
	selector, ok1 := arr[0].(string)
	op, ok2 := arr[1].(string)
	if !ok1 || !ok2 {
		return "", "", false
	}
	return selector, op, true
}

func walkSelectors(path string, node any, check func(where, sel string)) {
	if sel, _, ok := SelectorPair(node); ok {
		check(path, sel)
		return
	}
	obj, ok := node.(map[string]any)
	if !ok {
		return
	}
	for key, child := range obj {
		if key == WaitKey {
			for i, sel := range stringList(child) {
				check(fmt.Sprintf("%s.%s[%d]", path, WaitKey, i), sel)
			}
			continue
		}
		walkSelectors(path+"."+key, child, check)
	}
}

// WaitSelectors extracts the in-tree wait list from an object node.
func WaitSelectors(node map[string]any) []string {
	return stringList(node[WaitKey])
}

func stringList(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
