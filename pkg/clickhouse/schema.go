package clickhouse

import (
	"fmt"
	"regexp"
	"strings"
)

// The CREATE statement rewriting below intentionally stays away from full
// SQL parsing: only the engine prefix, its argument list and macro tokens
// are interpreted.

var (
	replicatedEngineRE = regexp.MustCompile(`Replicated(\w*MergeTree)\s*\(`)
	createPrefixRE     = regexp.MustCompile(`(?i)^\s*CREATE\s`)
	attachPrefixRE     = regexp.MustCompile(`(?i)^\s*ATTACH\s`)
	uuidClauseRE       = regexp.MustCompile(`(?i)\sUUID\s+'[0-9a-f-]+'`)
	tableNameRE        = regexp.MustCompile("(?i)^(\\s*(?:CREATE|ATTACH)\\s+(?:MATERIALIZED\\s+VIEW|LIVE\\s+VIEW|VIEW|DICTIONARY|TABLE)\\s+(?:IF\\s+NOT\\s+EXISTS\\s+)?(?:`[^`]+`|\"[^\"]+\"|[\\w.]+)(?:\\.(?:`[^`]+`|\"[^\"]+\"|[\\w.]+))?)")
)

// engineArgs splits the argument list starting right after the opening
// parenthesis, honoring nested parentheses and quoted strings. Returns the
// arguments and the offset of the closing parenthesis.
func engineArgs(s string) ([]string, int) {
	var args []string
	depth := 0
	inQuote := byte(0)
	argStart := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == inQuote {
				inQuote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inQuote = c
		case '(':
			depth++
		case ')':
			if depth == 0 {
				if trimmed := strings.TrimSpace(s[argStart:i]); trimmed != "" {
					args = append(args, trimmed)
				}
				return args, i
			}
			depth--
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(s[argStart:i]))
				argStart = i + 1
			}
		}
	}
	return nil, -1
}

// RewriteReplicatedEngine rewrites the Replicated*MergeTree engine clause.
// With forceNonReplicated the engine is downgraded to the non-Replicated
// equivalent and the zookeeper path and replica arguments are dropped. With
// overrideReplicaName the replica argument (second) is replaced.
func RewriteReplicatedEngine(createStatement string, forceNonReplicated bool, overrideReplicaName string) string {
	loc := replicatedEngineRE.FindStringSubmatchIndex(createStatement)
	if loc == nil {
		return createStatement
	}
	engineSuffix := createStatement[loc[2]:loc[3]]
	argsStart := loc[1]
	args, closeOffset := engineArgs(createStatement[argsStart:])
	if closeOffset < 0 {
		return createStatement
	}
	argsEnd := argsStart + closeOffset

	if forceNonReplicated {
		engineTail := ""
		if len(args) > 2 {
			engineTail = "(" + strings.Join(args[2:], ", ") + ")"
		} else {
			engineTail = "()"
		}
		return createStatement[:loc[0]] + engineSuffix + engineTail + createStatement[argsEnd+1:]
	}
	if overrideReplicaName != "" && len(args) >= 2 {
		args[1] = "'" + overrideReplicaName + "'"
		return createStatement[:loc[0]] + "Replicated" + engineSuffix + "(" + strings.Join(args, ", ") + ")" + createStatement[argsEnd+1:]
	}
	return createStatement
}

// ReplicaArguments extracts the zookeeper path and replica token of a
// Replicated*MergeTree engine. ok is false for non-replicated engines.
func ReplicaArguments(createStatement string) (zkPath, replica string, ok bool) {
	loc := replicatedEngineRE.FindStringIndex(createStatement)
	if loc == nil {
		return "", "", false
	}
	args, closeOffset := engineArgs(createStatement[loc[1]:])
	if closeOffset < 0 || len(args) < 2 {
		return "", "", false
	}
	return strings.Trim(args[0], "'"), strings.Trim(args[1], "'"), true
}

// RewriteDatabaseReplica replaces the replica argument of a Replicated
// database engine: Replicated('/zk/path', 'shard', 'replica').
func RewriteDatabaseReplica(createStatement, replica string) string {
	engineIdx := strings.Index(createStatement, "Replicated(")
	if engineIdx < 0 {
		return createStatement
	}
	argsStart := engineIdx + len("Replicated(")
	args, closeOffset := engineArgs(createStatement[argsStart:])
	if closeOffset < 0 || len(args) < 3 {
		return createStatement
	}
	args[2] = "'" + replica + "'"
	return createStatement[:argsStart] + strings.Join(args, ", ") + createStatement[argsStart+closeOffset:]
}

// SetUUID forces the UUID clause on a CREATE statement so Atomic databases
// keep stable store paths across restore.
func SetUUID(createStatement, uuid string) string {
	if uuid == "" || uuid == "00000000-0000-0000-0000-000000000000" {
		return createStatement
	}
	if uuidClauseRE.MatchString(createStatement) {
		return uuidClauseRE.ReplaceAllString(createStatement, fmt.Sprintf(" UUID '%s'", uuid))
	}
	loc := tableNameRE.FindStringIndex(createStatement)
	if loc == nil {
		return createStatement
	}
	return createStatement[:loc[1]] + fmt.Sprintf(" UUID '%s'", uuid) + createStatement[loc[1]:]
}

// ToAttachQuery converts CREATE to ATTACH so MergeTree tables pick up their
// existing coordination state instead of re-registering from scratch.
func ToAttachQuery(createStatement string) string {
	return createPrefixRE.ReplaceAllString(createStatement, "ATTACH ")
}

// ToCreateQuery converts an ATTACH statement back to CREATE.
func ToCreateQuery(createStatement string) string {
	return attachPrefixRE.ReplaceAllString(createStatement, "CREATE ")
}

// ExpandMacros substitutes {macro} tokens using the destination server
// macros, leaving unknown tokens intact so the server expands the ones it
// supports.
func ExpandMacros(s string, macros map[string]string) string {
	if len(macros) == 0 {
		return s
	}
	replacements := make([]string, 0, len(macros)*2)
	for macro, substitution := range macros {
		replacements = append(replacements, "{"+macro+"}", substitution)
	}
	return strings.NewReplacer(replacements...).Replace(s)
}

// NormalizeCreateStatement applies IF NOT EXISTS so recreation is idempotent
// when a restore is re-run.
func NormalizeCreateStatement(createStatement string) string {
	upper := strings.ToUpper(createStatement)
	if strings.Contains(upper, "IF NOT EXISTS") {
		return createStatement
	}
	for _, clause := range []string{"CREATE TABLE ", "CREATE DICTIONARY ", "CREATE DATABASE ", "CREATE MATERIALIZED VIEW ", "CREATE VIEW ", "CREATE LIVE VIEW "} {
		if idx := strings.Index(upper, clause); idx >= 0 {
			insertAt := idx + len(clause)
			return createStatement[:insertAt] + "IF NOT EXISTS " + createStatement[insertAt:]
		}
	}
	return createStatement
}

// CompareSchema compares two CREATE statements ignoring formatting noise.
func CompareSchema(a, b string) bool {
	return normalizeForCompare(a) == normalizeForCompare(b)
}

var whitespaceRE = regexp.MustCompile(`\s+`)

func normalizeForCompare(s string) string {
	s = whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
	s = uuidClauseRE.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "`", "")
	s = strings.ToLower(s)
	// ATTACH-restored tables report their DDL back as CREATE and vice versa
	s = strings.TrimPrefix(s, "attach ")
	s = strings.TrimPrefix(s, "create ")
	s = strings.TrimPrefix(s, "table if not exists ")
	s = strings.TrimPrefix(s, "table ")
	return s
}
