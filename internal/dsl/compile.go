package dsl

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed schema.json
var schemaFS embed.FS

const (
	schemaResource = "assertions.json"

	// compileCacheSize bounds the compiled-spec cache. Specs repeat across
	// runs of the same test, so hits dominate in steady state.
	compileCacheSize = 256
)

// SchemaJSON returns the published assertion schema document.
func SchemaJSON() []byte {
	data, err := schemaFS.ReadFile("schema.json")
	if err != nil {
		// The file is embedded at build time; missing means a broken binary.
		panic(fmt.Sprintf("embedded assertion schema missing: %v", err))
	}
	return data
}

// InvalidSpecError reports a spec rejected during compilation, naming the
// offending element by its JSON path.
type InvalidSpecError struct {
	Path   string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid assertion spec at %s: %s", e.Path, e.Reason)
}

func specErrorf(path, format string, args ...interface{}) error {
	return &InvalidSpecError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Compiler turns raw assertion documents into compiled specs: schema
// validation, then shorthand normalization. Compiled specs are immutable and
// cached by content hash.
type Compiler struct {
	schema *jsonschema.Schema
	cache  *lru.Cache[string, *Spec]
}

func NewCompiler() (*Compiler, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(SchemaJSON()))
	if err != nil {
		return nil, fmt.Errorf("parse embedded assertion schema: %w", err)
	}
	jc := jsonschema.NewCompiler()
	if err := jc.AddResource(schemaResource, doc); err != nil {
		return nil, fmt.Errorf("register assertion schema: %w", err)
	}
	schema, err := jc.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile assertion schema: %w", err)
	}
	cache, err := lru.New[string, *Spec](compileCacheSize)
	if err != nil {
		return nil, err
	}
	return &Compiler{schema: schema, cache: cache}, nil
}

// Compile validates and normalizes one assertion document.
func (c *Compiler) Compile(raw []byte) (*Spec, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if spec, ok := c.cache.Get(key); ok {
		return spec, nil
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, specErrorf("/", "not valid JSON: %v", err)
	}
	if err := c.schema.Validate(inst); err != nil {
		return nil, schemaViolation(err)
	}
	spec, err := normalizeSpec(inst)
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, spec)
	return spec, nil
}

// schemaViolation flattens a jsonschema validation error into an
// InvalidSpecError pointing at the deepest failing element.
func schemaViolation(err error) error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return specErrorf("/", "%v", err)
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	path := "/" + strings.Join(leaf.InstanceLocation, "/")
	printer := message.NewPrinter(language.English)
	return &InvalidSpecError{Path: path, Reason: leaf.ErrorKind.LocalizedString(printer)}
}

// --- normalization ---------------------------------------------------------

func normalizeSpec(inst interface{}) (*Spec, error) {
	doc, ok := inst.(map[string]interface{})
	if !ok {
		return nil, specErrorf("/", "expected an object")
	}

	spec := &Spec{Strict: true}
	if v, ok := doc["strict"]; ok {
		spec.Strict, _ = v.(bool)
	}

	if v, ok := doc["ignore_fields"]; ok {
		raw := v.(map[string]interface{})
		spec.IgnoreFields = make(map[string][]string, len(raw))
		for entity, cols := range raw {
			spec.IgnoreFields[entity] = stringSlice(cols)
		}
	}

	rawAssertions, _ := doc["assertions"].([]interface{})
	spec.Assertions = make([]Assertion, 0, len(rawAssertions))
	for i, rawAssertion := range rawAssertions {
		path := fmt.Sprintf("/assertions/%d", i)
		a, err := normalizeAssertion(rawAssertion.(map[string]interface{}), path)
		if err != nil {
			return nil, err
		}
		spec.Assertions = append(spec.Assertions, *a)
	}
	return spec, nil
}

func normalizeAssertion(doc map[string]interface{}, path string) (*Assertion, error) {
	a := &Assertion{
		DiffType:      DiffType(doc["diff_type"].(string)),
		Entity:        doc["entity"].(string),
		ExpectedCount: AtLeastOne(),
	}

	if v, ok := doc["where"]; ok {
		raw := v.(map[string]interface{})
		a.Where = make(map[string]Predicate, len(raw))
		for field, matcher := range raw {
			p, err := normalizeMatcher(matcher, path+"/where/"+field)
			if err != nil {
				return nil, err
			}
			a.Where[field] = p
		}
	}

	if v, ok := doc["ignore_fields"]; ok {
		if a.DiffType != DiffChanged {
			return nil, specErrorf(path+"/ignore_fields", "only applies to changed assertions")
		}
		a.IgnoreFields = stringSlice(v)
	}

	if v, ok := doc["expected_changes"]; ok {
		if a.DiffType != DiffChanged {
			return nil, specErrorf(path+"/expected_changes", "only applies to changed assertions")
		}
		raw := v.(map[string]interface{})
		a.ExpectedChanges = make(map[string]FieldChange, len(raw))
		for col, change := range raw {
			fc, err := normalizeFieldChange(change, path+"/expected_changes/"+col)
			if err != nil {
				return nil, err
			}
			a.ExpectedChanges[col] = fc
		}
	}

	if v, ok := doc["expected_count"]; ok {
		count, err := normalizeCount(v, path+"/expected_count")
		if err != nil {
			return nil, err
		}
		a.ExpectedCount = count
	}
	return a, nil
}

// normalizeMatcher canonicalizes one where/from/to value: a bare scalar is
// shorthand for {eq: scalar}.
func normalizeMatcher(v interface{}, path string) (Predicate, error) {
	doc, ok := v.(map[string]interface{})
	if !ok {
		return Predicate{"eq": scalarValue(v)}, nil
	}
	p := make(Predicate, len(doc))
	for op, expected := range doc {
		switch op {
		case "regex":
			pattern := expected.(string)
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, specErrorf(path+"/regex", "invalid pattern %q: %v", pattern, err)
			}
			p[op] = re
		case "in", "not_in", "has_any", "has_all":
			members := expected.([]interface{})
			converted := make([]interface{}, len(members))
			for i, m := range members {
				converted[i] = scalarValue(m)
			}
			p[op] = converted
		default:
			p[op] = scalarValue(expected)
		}
	}
	return p, nil
}

// normalizeFieldChange canonicalizes one expected_changes value. Shorthand:
// a scalar means {to: {eq: scalar}}; a predicate object means {to: predicate}.
func normalizeFieldChange(v interface{}, path string) (FieldChange, error) {
	doc, ok := v.(map[string]interface{})
	if !ok {
		return FieldChange{To: Predicate{"eq": scalarValue(v)}}, nil
	}
	if isFromToShape(doc) {
		var fc FieldChange
		if from, ok := doc["from"]; ok {
			p, err := normalizeMatcher(from, path+"/from")
			if err != nil {
				return FieldChange{}, err
			}
			fc.From = p
		}
		if to, ok := doc["to"]; ok {
			p, err := normalizeMatcher(to, path+"/to")
			if err != nil {
				return FieldChange{}, err
			}
			fc.To = p
		}
		return fc, nil
	}
	p, err := normalizeMatcher(doc, path)
	if err != nil {
		return FieldChange{}, err
	}
	return FieldChange{To: p}, nil
}

// isFromToShape distinguishes {from,to} wrappers from bare predicates. The
// two key sets are disjoint, so presence of either wrapper key decides.
func isFromToShape(doc map[string]interface{}) bool {
	for k := range doc {
		if k != "from" && k != "to" {
			return false
		}
	}
	return len(doc) > 0
}

func normalizeCount(v interface{}, path string) (CountRange, error) {
	if doc, ok := v.(map[string]interface{}); ok {
		count := CountRange{Min: 0, Max: Unbounded}
		if raw, ok := doc["min"]; ok {
			count.Min = intValue(raw)
		}
		if raw, ok := doc["max"]; ok {
			count.Max = intValue(raw)
		}
		if count.Max != Unbounded && count.Max < count.Min {
			return CountRange{}, specErrorf(path, "max %d is below min %d", count.Max, count.Min)
		}
		return count, nil
	}
	return Exactly(intValue(v)), nil
}

// scalarValue converts decoded JSON scalars into the evaluator's value
// space: all numbers become float64, matching how change-set values decode.
func scalarValue(v interface{}) interface{} {
	if n, ok := numeric(v); ok {
		return n
	}
	return v
}

func intValue(v interface{}) int {
	n, _ := numeric(v)
	return int(n)
}

func stringSlice(v interface{}) []string {
	raw, _ := v.([]interface{})
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
