// Package transform converts raw API records into typed, validated rows:
// field name normalization, type coercion, required-field and business-rule
// validation, and duplicate detection.
package transform

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// maxIdentifierLength is the SQL column name length cap.
const maxIdentifierLength = 64

// reservedWords are SQL keywords that cannot be used verbatim as column
// names; a colliding field name gets a "_field" suffix.
var reservedWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		add all alter analyze and as asc asensitive
		before between bigint binary blob both by
		call cascade case change char character check
		collate column condition constraint continue convert
		create cross current_date current_time current_timestamp
		current_user cursor database databases day_hour
		day_microsecond day_minute day_second dec decimal
		declare default delayed delete desc describe
		deterministic distinct distinctrow div double drop
		dual each else elseif enclosed escaped exists
		exit explain false fetch float float4 float8
		for force foreign from fulltext grant group
		having high_priority hour_microsecond hour_minute
		hour_second if ignore in index infile inner
		inout insensitive insert int int1 int2 int3
		int4 int8 integer interval into is iterate
		join key keys kill leading leave left like
		limit linear lines load localtime localtimestamp
		lock long longblob longtext loop low_priority
		match mediumblob mediumint mediumtext middleint
		minute_microsecond minute_second mod modifies natural
		not no_write_to_binlog null numeric on optimize
		option optionally or order out outer outfile
		precision primary procedure purge range read
		reads real references regexp release rename
		repeat replace require restrict return revoke
		right rlike schema schemas second_microsecond select
		sensitive separator set show smallint spatial
		specific sql sqlexception sqlstate sqlwarning
		sql_big_result sql_calc_found_rows sql_small_result ssl
		starting straight_join table terminated then tinyblob
		tinyint tinytext to trailing trigger true undo
		union unique unlock unsigned update usage use
		using utc_date utc_time utc_timestamp values varbinary
		varchar varcharacter varying when where while
		with write x509 xor year_month zerofill
	`) {
		reservedWords[w] = struct{}{}
	}
}

var (
	nonIdentifierChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	underscoreRuns     = regexp.MustCompile(`_+`)
	startsWithLetter   = regexp.MustCompile(`^[a-zA-Z_]`)
)

// Normalizer maps API field names to safe SQL column identifiers. Results
// are memoized; a name that fails to normalize is never cached, so it
// fails identically on every call.
type Normalizer struct {
	mu    sync.Mutex
	cache map[string]string
}

// NewNormalizer creates a normalizer with an empty cache.
func NewNormalizer() *Normalizer {
	return &Normalizer{cache: make(map[string]string)}
}

// Normalize converts an API field name to a column identifier: lowercase,
// non-alphanumerics replaced with underscores, underscore runs collapsed,
// reserved words suffixed, capped at 64 characters. Already-normalized
// names pass through unchanged.
func (n *Normalizer) Normalize(fieldName string) (string, error) {
	if strings.TrimSpace(fieldName) == "" {
		return "", &DataTransformationError{
			Message: fmt.Sprintf("empty or whitespace-only field name: %q", fieldName),
		}
	}

	n.mu.Lock()
	cached, ok := n.cache[fieldName]
	n.mu.Unlock()
	if ok {
		return cached, nil
	}

	normalized := nonIdentifierChars.ReplaceAllString(strings.ToLower(fieldName), "_")
	normalized = underscoreRuns.ReplaceAllString(normalized, "_")
	normalized = strings.Trim(normalized, "_")

	if normalized != "" && !startsWithLetter.MatchString(normalized) {
		normalized = "field_" + normalized
	}
	if normalized == "" {
		normalized = "field_unknown"
	}

	if _, reserved := reservedWords[normalized]; reserved {
		normalized += "_field"
	}

	if len(normalized) > maxIdentifierLength {
		if strings.HasSuffix(normalized, "_field") {
			normalized = normalized[:maxIdentifierLength-len("_field")] + "_field"
		} else {
			normalized = normalized[:maxIdentifierLength]
		}
	}

	n.mu.Lock()
	n.cache[fieldName] = normalized
	n.mu.Unlock()

	return normalized, nil
}

// FieldMapping returns a copy of the raw-name to column-name cache.
func (n *Normalizer) FieldMapping() map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make(map[string]string, len(n.cache))
	for k, v := range n.cache {
		out[k] = v
	}
	return out
}
