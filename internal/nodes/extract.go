package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/carepath/carepath/internal/expressions"
	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/pkg/schema"
)

var (
	followupKeys = []string{"followups", "questions"}
	warningKeys  = []string{"warnings", "cautions", "alerts"}
	replyKeys    = []string{"reply", "answer"}

	followupPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bfollow[-\s]?ups?\b[:：]\s*(.*)`),
		regexp.MustCompile(`(?i)\bquestions?\b[:：]\s*(.*)`),
	}
	bulletRE    = regexp.MustCompile(`^[-*•·]\s+`)
	splitRE     = regexp.MustCompile(`[;、·•\-–—]\s*|\s{2,}`)
	codeFenceRE = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")
)

// ReplyExtractNode turns the raw model output into a clean reply plus
// structured follow-ups and warnings. Structured JSON output is preferred;
// bullet and inline heuristics cover free-text replies.
type ReplyExtractNode struct {
	jq  *expressions.GoJQEngine
	cfg schema.ExtractConfig
}

// NewReplyExtractNode creates the extraction node. When the profile sets
// followup_query or warning_query, those jq expressions replace the default
// key scan over structured replies.
func NewReplyExtractNode(jq *expressions.GoJQEngine, cfg schema.ExtractConfig) *ReplyExtractNode {
	return &ReplyExtractNode{jq: jq, cfg: cfg}
}

func (n *ReplyExtractNode) Name() string { return "reply_extract" }

func (n *ReplyExtractNode) Reads() []string { return []string{KeyAssistantRaw} }

func (n *ReplyExtractNode) Writes() []string {
	return []string{KeyAssistantReply, KeyFollowups, KeyWarnings}
}

type extractInput struct {
	raw          string
	baseWarnings []string
}

type extractResult struct {
	reply     string
	followups []string
	warnings  []string
}

func (n *ReplyExtractNode) Prepare(s *flow.State) (any, error) {
	if !s.Has(KeyAssistantRaw) {
		return nil, flow.MissingInput(n.Name(), KeyAssistantRaw)
	}
	return extractInput{
		raw:          s.String(KeyAssistantRaw),
		baseWarnings: s.StringSlice(KeyWarnings),
	}, nil
}

func (n *ReplyExtractNode) Execute(ctx context.Context, input any) (any, error) {
	in := input.(extractInput)

	res := extractResult{reply: in.raw}

	if data, ok := parseJSONBlock(in.raw); ok {
		if reply := firstStringKey(data, replyKeys); reply != "" {
			res.reply = reply
		}
		followups, warnings, err := n.extractStructured(ctx, data)
		if err != nil {
			return nil, err
		}
		res.followups = followups
		res.warnings = warnings
	}

	if len(res.followups) == 0 {
		res.followups = heuristicFollowups(res.reply)
	}

	res.followups = dedupNorm(res.followups)
	res.warnings = dedupNorm(append(append([]string{}, in.baseWarnings...), res.warnings...))
	return res, nil
}

func (n *ReplyExtractNode) Finalize(s *flow.State, input, result any) (string, error) {
	res, ok := result.(extractResult)
	if !ok {
		return "", schema.NewError(schema.ErrCodeExecution, "unexpected extraction result type").WithNode(n.Name())
	}
	s.Set(KeyAssistantReply, res.reply)
	s.Set(KeyFollowups, res.followups)
	s.Set(KeyWarnings, res.warnings)
	return OutcomeOK, nil
}

// extractStructured pulls follow-ups and warnings out of a parsed reply,
// via the profile's jq queries when configured or a key scan otherwise.
func (n *ReplyExtractNode) extractStructured(ctx context.Context, data map[string]any) ([]string, []string, error) {
	followups, err := n.queryOrScan(ctx, data, n.cfg.FollowupQuery, followupKeys)
	if err != nil {
		return nil, nil, err
	}
	warnings, err := n.queryOrScan(ctx, data, n.cfg.WarningQuery, warningKeys)
	if err != nil {
		return nil, nil, err
	}
	return followups, warnings, nil
}

func (n *ReplyExtractNode) queryOrScan(ctx context.Context, data map[string]any, query string, keys []string) ([]string, error) {
	if query != "" {
		results, err := n.jq.EvaluateAll(ctx, query, data)
		if err != nil {
			return nil, err
		}
		return stringify(results), nil
	}

	for _, k := range keys {
		if list, ok := data[k].([]any); ok {
			return stringify(list), nil
		}
	}
	return nil, nil
}

// parseJSONBlock parses the reply as a JSON object, unwrapping a markdown
// code fence first if present.
func parseJSONBlock(raw string) (map[string]any, bool) {
	text := strings.TrimSpace(raw)
	if m := codeFenceRE.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, false
	}
	return data, true
}

func firstStringKey(data map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// heuristicFollowups scans free text for bullet items and inline
// "follow-ups:" / "questions:" lists.
func heuristicFollowups(text string) []string {
	var cands []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if bulletRE.MatchString(line) {
			cands = append(cands, bulletRE.ReplaceAllString(line, ""))
			continue
		}
		cands = append(cands, extractInline(line)...)
	}
	return dedupNorm(cands)
}

func extractInline(line string) []string {
	var items []string
	for _, p := range followupPatterns {
		m := p.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		for _, part := range splitRE.Split(m[1], -1) {
			part = strings.Trim(part, " -•·\t")
			if part != "" {
				items = append(items, part)
			}
		}
	}
	return items
}

// dedupNorm trims, drops blanks, and removes case-insensitive duplicates
// while preserving order.
func dedupNorm(items []string) []string {
	var out []string
	seen := make(map[string]bool, len(items))
	for _, x := range items {
		s := strings.TrimSpace(x)
		if s == "" {
			continue
		}
		k := strings.ToLower(s)
		if !seen[k] {
			seen[k] = true
			out = append(out, s)
		}
	}
	return out
}

func stringify(items []any) []string {
	out := make([]string, 0, len(items))
	for _, v := range items {
		switch s := v.(type) {
		case string:
			out = append(out, s)
		case nil:
		default:
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	return out
}

var _ flow.Node = (*ReplyExtractNode)(nil)
var _ flow.Contract = (*ReplyExtractNode)(nil)
