// Package predicates implements the evaluation predicate library: a set of
// pure(-ish) strategies of the shape "(output, expected, config,
// variables) → (passed, details)". Every strategy records its strategy name
// in details for audit; which other keys appear (output, expected_output,
// match, ...) depends on the strategy, and exact_multi, static_value and
// coalesce record neither output nor expected_output.
package predicates

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/promptforge/evalengine/pkg/models"
)

// Verdict is the uniform return shape of every strategy.
type Verdict struct {
	Passed  bool
	Details map[string]any
}

func newDetails(strategy string) map[string]any {
	return map[string]any{"strategy": strategy}
}

// lookup resolves a variable by column name out of the row's accumulated
// variables, rendering non-string values as their canonical string form.
func lookup(variables map[string]any, column string) (string, bool) {
	if column == "" {
		return "", false
	}
	v, ok := variables[column]
	if !ok {
		return "", false
	}
	return toString(v), true
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func applyOptions(s string, ignoreCase, ignoreWhitespace bool) string {
	if ignoreWhitespace {
		s = normalizeWhitespace(s)
	}
	if ignoreCase {
		s = strings.ToLower(s)
	}
	return s
}

// ─── exact ──────────────────────────────────────────────────────────────

func evalExact(cfg *models.ExactConfig, variables map[string]any) Verdict {
	d := newDetails("exact")
	output, outOK := lookup(variables, cfg.ReferenceColumn)
	expected, expOK := lookup(variables, cfg.ExpectedColumn)
	d["output"] = output
	d["expected_output"] = expected
	if !outOK || !expOK {
		d["match"] = false
		d["error"] = "unresolved reference or expected column"
		return Verdict{Passed: false, Details: d}
	}
	a := applyOptions(output, cfg.IgnoreCase, cfg.IgnoreWhitespace)
	b := applyOptions(expected, cfg.IgnoreCase, cfg.IgnoreWhitespace)
	passed := a == b
	d["match"] = passed
	return Verdict{Passed: passed, Details: d}
}

// ─── exact_multi ────────────────────────────────────────────────────────

func resolveSide(pair models.MatchPair, variables map[string]any, input bool) (string, bool, error) {
	var raw string
	var ok bool
	var jsonPath string
	var enableExtract bool
	if input {
		raw, ok = lookup(variables, pair.InputColumn)
		jsonPath = pair.InputJSONPath
		enableExtract = pair.EnableInputJSONExtraction
	} else {
		switch pair.ExpectedValueType {
		case models.ExpectedFixedValue:
			raw, ok = pair.FixedExpectedValue, true
		default:
			raw, ok = lookup(variables, pair.ExpectedColumn)
		}
		jsonPath = pair.ExpectedJSONPath
		enableExtract = pair.EnableExpectedJSONExtraction
	}
	if !ok {
		return "", false, nil
	}
	if enableExtract {
		v, err := Extract([]byte(raw), jsonPath)
		if err != nil {
			return "", false, err
		}
		return toString(v), true, nil
	}
	return raw, true, nil
}

func evalExactMulti(cfg *models.ExactMultiConfig, variables map[string]any) Verdict {
	d := newDetails("exact_multi")
	ignoreCase := cfg.HasOption("ignore_case")
	ignoreWhitespace := cfg.HasOption("ignore_whitespace")
	noneAsEmpty := cfg.HasOption("none_as_empty")

	var failedPairs []map[string]any
	allPassed := true
	for _, pair := range cfg.MatchPairs {
		input, inOK, inErr := resolveSide(pair, variables, true)
		expected, expOK, expErr := resolveSide(pair, variables, false)
		if noneAsEmpty {
			if !inOK {
				input, inOK = "", true
			}
			if !expOK {
				expected, expOK = "", true
			}
		}
		pairPassed := inOK && expOK && inErr == nil && expErr == nil &&
			applyOptions(input, ignoreCase, ignoreWhitespace) == applyOptions(expected, ignoreCase, ignoreWhitespace)
		if !pairPassed {
			allPassed = false
			failedPairs = append(failedPairs, map[string]any{
				"input_column":    pair.InputColumn,
				"expected_column": pair.ExpectedColumn,
				"input":           input,
				"expected":        expected,
			})
		}
	}
	d["match"] = allPassed
	if len(failedPairs) > 0 {
		d["failed_pairs"] = failedPairs
	}
	return Verdict{Passed: allPassed, Details: d}
}

// ─── contains ───────────────────────────────────────────────────────────

func evalContains(cfg *models.ContainsConfig, variables map[string]any) Verdict {
	d := newDetails("contains")
	output, _ := lookup(variables, cfg.OutputColumn)
	needle, _ := lookup(variables, cfg.ExpectedColumn)
	d["output"] = output
	d["expected_output"] = needle
	haystack, n := output, needle
	if cfg.IgnoreCase {
		haystack, n = strings.ToLower(haystack), strings.ToLower(n)
	}
	passed := n != "" && strings.Contains(haystack, n)
	d["match"] = passed
	return Verdict{Passed: passed, Details: d}
}

// ─── keywords ───────────────────────────────────────────────────────────

func evalKeywords(cfg *models.KeywordsConfig, variables map[string]any) Verdict {
	d := newDetails("keywords")
	output, _ := lookup(variables, cfg.OutputColumn)
	d["output"] = output
	haystack := output
	if cfg.IgnoreCase {
		haystack = strings.ToLower(haystack)
	}
	required := len(cfg.Keywords)
	if cfg.RequiredCount != nil {
		required = *cfg.RequiredCount
	}
	count := 0
	var found []string
	for _, kw := range cfg.Keywords {
		needle := kw
		if cfg.IgnoreCase {
			needle = strings.ToLower(needle)
		}
		if strings.Contains(haystack, needle) {
			count++
			found = append(found, kw)
		}
	}
	passed := count >= required
	d["matched_keywords"] = found
	d["matched_count"] = count
	d["required_count"] = required
	d["match"] = passed
	return Verdict{Passed: passed, Details: d}
}

// ─── regex ──────────────────────────────────────────────────────────────

func evalRegex(cfg *models.RegexConfig, variables map[string]any) Verdict {
	d := newDetails("regex")
	output, _ := lookup(variables, cfg.OutputColumn)
	d["output"] = output
	pattern := cfg.Pattern
	var flags string
	if cfg.IgnoreCase {
		flags += "i"
	}
	if cfg.Multiline {
		flags += "m"
	}
	if cfg.Dotall {
		flags += "s"
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		d["match"] = false
		d["error"] = err.Error()
		return Verdict{Passed: false, Details: d}
	}
	passed := re.MatchString(output)
	d["match"] = passed
	return Verdict{Passed: passed, Details: d}
}

// ─── json_structure ─────────────────────────────────────────────────────

func evalJSONStructure(cfg *models.JSONStructureConfig, variables map[string]any) Verdict {
	d := newDetails("json_structure")
	output, _ := lookup(variables, cfg.OutputColumn)
	expected, hasExpected := lookup(variables, cfg.ExpectedColumn)
	d["output"] = output
	d["expected_output"] = expected

	var outDoc map[string]any
	if err := json.Unmarshal([]byte(output), &outDoc); err != nil {
		d["match"] = false
		d["error"] = "output is not a JSON object"
		return Verdict{Passed: false, Details: d}
	}

	required := cfg.RequiredFields
	if len(required) == 0 && hasExpected {
		var expDoc map[string]any
		if err := json.Unmarshal([]byte(expected), &expDoc); err == nil {
			for k := range expDoc {
				required = append(required, k)
			}
			sort.Strings(required)
		}
	}

	var missing []string
	for _, f := range required {
		if _, ok := outDoc[f]; !ok {
			missing = append(missing, f)
		}
	}
	passed := len(missing) == 0
	d["required_fields"] = required
	if len(missing) > 0 {
		d["missing_fields"] = missing
	}
	d["match"] = passed
	return Verdict{Passed: passed, Details: d}
}

// ─── numeric_distance ───────────────────────────────────────────────────

var numericTokenRE = regexp.MustCompile(`-?\d+(\.\d+)?`)

func firstNumber(s string) (float64, bool) {
	m := numericTokenRE.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func evalNumericDistance(cfg *models.NumericDistanceConfig, variables map[string]any) Verdict {
	d := newDetails("numeric_distance")
	output, _ := lookup(variables, cfg.OutputColumn)
	expected, _ := lookup(variables, cfg.ExpectedColumn)
	d["output"] = output
	d["expected_output"] = expected

	a, aOK := firstNumber(output)
	b, bOK := firstNumber(expected)
	if !aOK || !bOK {
		d["match"] = false
		d["error"] = "no numeric token found"
		return Verdict{Passed: false, Details: d}
	}
	diff := math.Abs(a - b)
	d["distance"] = diff
	var passed bool
	if cfg.PercentageThreshold {
		if b == 0 {
			passed = diff == 0
		} else {
			pct := diff / math.Abs(b) * 100
			d["percentage_distance"] = pct
			passed = pct <= cfg.PercentageValue
		}
	} else {
		passed = diff <= cfg.Threshold
	}
	d["match"] = passed
	return Verdict{Passed: passed, Details: d}
}

// ─── type_validation ────────────────────────────────────────────────────

var sqlShapeRE = map[string]*regexp.Regexp{
	"select": regexp.MustCompile(`(?is)^\s*SELECT\s+.+\s+FROM\s+\S+`),
	"insert": regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+\S+`),
	"update": regexp.MustCompile(`(?is)^\s*UPDATE\s+\S+\s+SET\s+.+`),
	"delete": regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+\S+`),
}

func evalTypeValidation(cfg *models.TypeValidationConfig, variables map[string]any) Verdict {
	d := newDetails("type_validation")
	output, _ := lookup(variables, cfg.OutputColumn)
	d["output"] = output
	d["validation_type"] = cfg.ValidationType

	var passed bool
	switch cfg.ValidationType {
	case models.ValidationJSON:
		var v any
		passed = json.Unmarshal([]byte(output), &v) == nil
	case models.ValidationNumber:
		_, passed = firstNumberStrict(output)
	case models.ValidationSQL:
		for _, re := range sqlShapeRE {
			if re.MatchString(output) {
				passed = true
				break
			}
		}
	default:
		d["error"] = "unknown validation_type"
	}
	d["match"] = passed
	return Verdict{Passed: passed, Details: d}
}

func firstNumberStrict(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ─── json_extraction ────────────────────────────────────────────────────

func typeAwareEqual(a, b string) bool {
	var av, bv any
	aErr := json.Unmarshal([]byte(a), &av)
	bErr := json.Unmarshal([]byte(b), &bv)
	if aErr == nil && bErr == nil {
		ab, _ := json.Marshal(av)
		bb, _ := json.Marshal(bv)
		return string(ab) == string(bb)
	}
	return a == b
}

func evalJSONExtraction(cfg *models.JSONExtractionConfig, variables map[string]any) Verdict {
	d := newDetails("json_extraction")
	output, _ := lookup(variables, cfg.OutputColumn)
	expected, hasExpected := lookup(variables, cfg.ExpectedColumn)
	d["output"] = output
	if hasExpected {
		d["expected_output"] = expected
	}

	v, err := Extract([]byte(output), cfg.JSONPath)
	if err != nil {
		d["match"] = false
		d["error"] = "unresolved"
		return Verdict{Passed: false, Details: d}
	}
	extracted := toString(v)
	if s, ok := v.(string); ok {
		extracted = s
	}
	d["extracted_value"] = extracted
	if !hasExpected {
		d["match"] = true
		return Verdict{Passed: true, Details: d}
	}
	passed := typeAwareEqual(extracted, expected)
	d["match"] = passed
	return Verdict{Passed: passed, Details: d}
}

// ─── parse_value ────────────────────────────────────────────────────────

func evalParseValue(cfg *models.ParseValueConfig, variables map[string]any) Verdict {
	d := newDetails("parse_value")
	output, _ := lookup(variables, cfg.OutputColumn)
	expected, hasExpected := lookup(variables, cfg.ExpectedColumn)
	d["output"] = output
	d["target_type"] = cfg.TargetType

	parsed, ok := parseTarget(output, cfg.TargetType)
	if !ok {
		d["match"] = false
		d["error"] = "conversion failed"
		return Verdict{Passed: false, Details: d}
	}
	d["parsed_value"] = parsed
	if !hasExpected {
		d["match"] = true
		return Verdict{Passed: true, Details: d}
	}
	expParsed, expOK := parseTarget(expected, cfg.TargetType)
	passed := expOK && fmt.Sprintf("%v", parsed) == fmt.Sprintf("%v", expParsed)
	d["match"] = passed
	return Verdict{Passed: passed, Details: d}
}

func parseTarget(s string, target models.TargetType) (any, bool) {
	switch target {
	case models.TargetNumber:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, false
		}
		return v, true
	case models.TargetBoolean:
		v, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, false
		}
		return v, true
	case models.TargetJSON:
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, false
		}
		return v, true
	case models.TargetString:
		return s, true
	default:
		return nil, false
	}
}

// ─── static_value ───────────────────────────────────────────────────────

func evalStaticValue(cfg *models.StaticValueConfig) Verdict {
	d := newDetails("static_value")
	d["match"] = true
	d["value"] = cfg.StaticValue
	return Verdict{Passed: true, Details: d}
}

// ─── coalesce ───────────────────────────────────────────────────────────

func evalCoalesce(cfg *models.CoalesceConfig, variables map[string]any) Verdict {
	d := newDetails("coalesce")
	expected, _ := lookup(variables, cfg.ExpectedColumn)
	output, _ := lookup(variables, cfg.OutputColumn)
	candidates := append([]string{expected, output}, cfg.Values...)
	for _, c := range candidates {
		if c != "" {
			d["match"] = true
			d["value"] = c
			return Verdict{Passed: true, Details: d}
		}
	}
	d["match"] = true
	d["value"] = ""
	return Verdict{Passed: true, Details: d}
}

// ─── count ──────────────────────────────────────────────────────────────

func countParagraphs(s string) int {
	blocks := strings.Split(s, "\n\n")
	n := 0
	for _, b := range blocks {
		if strings.TrimSpace(b) != "" {
			n++
		}
	}
	return n
}

func evalCount(cfg *models.CountConfig, variables map[string]any) Verdict {
	d := newDetails("count")
	output, _ := lookup(variables, cfg.OutputColumn)
	expected, hasExpected := lookup(variables, cfg.ExpectedColumn)
	d["output"] = output

	var n int
	switch cfg.CountType {
	case models.CountCharacters:
		n = len([]rune(output))
	case models.CountWords:
		n = len(strings.FieldsFunc(output, func(r rune) bool { return unicode.IsSpace(r) }))
	case models.CountParagraphs:
		n = countParagraphs(output)
	}
	d["count"] = n
	if !hasExpected {
		d["match"] = true
		return Verdict{Passed: true, Details: d}
	}
	expNum, ok := firstNumberStrict(expected)
	passed := ok && int(expNum) == n
	d["match"] = passed
	return Verdict{Passed: passed, Details: d}
}
