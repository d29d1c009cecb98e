package crew

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// The [PLAN] body is markdown with a fixed shape:
//
//	## Workflow: <name>
//	<description paragraph>?
//	### Step <N>: <description>
//	- Agent: <agent_id>
//	- Tool: <tool>
//	- Arguments: <json object>
//	- Dependencies: none | Step <N>, Step <N> ...
//	- Estimated Time: <int>(s|m|h)
//	## Total Estimated Time: ...      (ignored, derived from steps)
//	## Cost Estimate: $...            (ignored, derived from steps)
//
// Step references resolve in a second pass, so forward references
// ("Step 1 depends on Step 3") work. References to step numbers that do
// not exist are kept verbatim for validation to flag, as are unknown
// tool and agent names.

var (
	stepHeadingRe = regexp.MustCompile(`^Step\s+(\d+):\s*(.*)$`)
	stepRefRe     = regexp.MustCompile(`^(?:Step\s+|step_)(\d+)$`)
	durationRe    = regexp.MustCompile(`^(\d+)\s*([smh])$`)
)

// ParsePlan extracts at most one plan from input. The plan body is the
// text between [PLAN] and [/PLAN]; when no markers are present the
// whole input is taken as the body. Returns nil when the body does not
// satisfy the plan grammar — malformedness is a value, not an error.
func ParsePlan(input string) *Plan {
	body := input
	if open := strings.Index(body, "[PLAN]"); open >= 0 {
		body = body[open+len("[PLAN]"):]
		if end := strings.Index(body, "[/PLAN]"); end >= 0 {
			body = body[:end]
		}
	}

	src := []byte(body)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	plan := NewPlan("")
	byNumber := make(map[int]string) // step number -> assigned id
	rawDeps := make(map[string]string)
	var current *PlanStep

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			line := rawText(node, src)
			switch node.Level {
			case 2:
				if name, ok := strings.CutPrefix(line, "Workflow:"); ok {
					plan.Name = strings.TrimSpace(name)
				}
				// totals headings carry no information the steps don't
			case 3:
				m := stepHeadingRe.FindStringSubmatch(line)
				if m == nil {
					return nil
				}
				num, _ := strconv.Atoi(m[1])
				if _, dup := byNumber[num]; dup {
					return nil
				}
				current = &PlanStep{
					ID:          NewID(),
					OrderHint:   num,
					Description: strings.TrimSpace(m[2]),
					Status:      StepPending,
				}
				byNumber[num] = current.ID
				plan.Steps = append(plan.Steps, current)
			}
		case *ast.Paragraph:
			if current == nil && plan.Description == "" {
				plan.Description = rawText(node, src)
			}
		case *ast.List:
			if current == nil {
				return nil
			}
			if !applyStepFields(current, node, src, rawDeps) {
				return nil
			}
		}
	}

	if plan.Name == "" || len(plan.Steps) == 0 {
		return nil
	}
	for _, s := range plan.Steps {
		if s.AgentID == "" || s.Tool == "" {
			return nil
		}
	}

	// second pass: resolve Step N references into assigned ids
	for _, s := range plan.Steps {
		raw := rawDeps[s.ID]
		if raw == "" || strings.EqualFold(raw, "none") {
			continue
		}
		for _, ref := range strings.Split(raw, ",") {
			ref = strings.TrimSpace(ref)
			if m := stepRefRe.FindStringSubmatch(ref); m != nil {
				num, _ := strconv.Atoi(m[1])
				if id, ok := byNumber[num]; ok {
					s.Dependencies = append(s.Dependencies, id)
					continue
				}
			}
			// unresolvable reference kept verbatim for Validate to flag
			s.Dependencies = append(s.Dependencies, ref)
		}
	}
	return plan
}

// applyStepFields fills step from the "- Key: value" items of a list.
func applyStepFields(step *PlanStep, list *ast.List, src []byte, rawDeps map[string]string) bool {
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		line := rawText(item.FirstChild(), src)
		key, value, found := strings.Cut(line, ":")
		if !found {
			return false
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Agent":
			step.AgentID = value
		case "Tool":
			step.Tool = ToolSpec(value)
		case "Arguments":
			var args map[string]any
			if err := json.Unmarshal([]byte(value), &args); err != nil {
				return false
			}
			step.Arguments = args
		case "Dependencies":
			rawDeps[step.ID] = value
		case "Estimated Time":
			secs, ok := parseDuration(value)
			if !ok {
				return false
			}
			step.EstimatedSeconds = secs
		}
	}
	return true
}

// parseDuration converts "30s", "5m", "1h" to seconds.
func parseDuration(s string) (int, bool) {
	m := durationRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	n, _ := strconv.Atoi(m[1])
	switch m[2] {
	case "m":
		n *= 60
	case "h":
		n *= 3600
	}
	return n, true
}

// rawText returns the raw source lines spanned by a block node. Using
// source segments instead of the inline tree keeps JSON argument
// objects intact regardless of markdown inline rules.
func rawText(n ast.Node, src []byte) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
	return strings.TrimSpace(b.String())
}
