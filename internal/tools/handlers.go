package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
)

// HandlerConfig carries the external endpoints the built-in tools reach.
type HandlerConfig struct {
	WolframAppID   string
	CodeSandboxURL string
	HTTPClient     *http.Client
}

// BuiltinHandlers returns the stock handler set referenced by tool
// descriptors: echo, calculator, wolfram_alpha and code_execution.
func BuiltinHandlers(cfg HandlerConfig) map[string]Handler {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return map[string]Handler{
		"echo":           echoHandler,
		"calculator":     calculatorHandler,
		"wolfram_alpha":  wolframHandler(cfg.WolframAppID, client),
		"code_execution": codeExecutionHandler(cfg.CodeSandboxURL, client),
	}
}

// echoHandler reflects its input back, for exercising the tool pipeline.
func echoHandler(ctx context.Context, ctl *Control, args map[string]any) (any, error) {
	if err := ctl.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if msg, ok := args["message"]; ok {
		return map[string]any{
			"success":   true,
			"message":   msg,
			"timestamp": time.Now().Format(time.RFC3339),
		}, nil
	}
	if x, ok := args["x"]; ok {
		return x, nil
	}
	return args, nil
}

func calculatorHandler(ctx context.Context, ctl *Control, args map[string]any) (any, error) {
	if err := ctl.Checkpoint(ctx); err != nil {
		return nil, err
	}
	expr, ok := args["expression"].(string)
	if !ok || expr == "" {
		return nil, &domain.ValidationError{Field: "expression", Reason: "required"}
	}
	value, err := evalExpression(expr)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expression": expr, "result": value}, nil
}

func wolframHandler(appID string, client *http.Client) Handler {
	return func(ctx context.Context, ctl *Control, args map[string]any) (any, error) {
		if appID == "" {
			return nil, &domain.ConfigError{Provider: "wolfram", Reason: "WOLFRAM_APP_ID not set"}
		}
		query, ok := args["query"].(string)
		if !ok || query == "" {
			return nil, &domain.ValidationError{Field: "query", Reason: "required"}
		}
		if err := ctl.Checkpoint(ctx); err != nil {
			return nil, err
		}

		endpoint := "https://www.wolframalpha.com/api/v1/llm-api?" + url.Values{
			"input": {query},
			"appid": {appID},
		}.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("query wolfram: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return nil, fmt.Errorf("read wolfram response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("wolfram error: status=%d body=%s", resp.StatusCode, string(body))
		}
		return map[string]any{"query": query, "result": strings.TrimSpace(string(body))}, nil
	}
}

func codeExecutionHandler(sandboxURL string, client *http.Client) Handler {
	return func(ctx context.Context, ctl *Control, args map[string]any) (any, error) {
		if sandboxURL == "" {
			return nil, &domain.ConfigError{Provider: "code-sandbox", Reason: "CODE_SANDBOX_URL not set"}
		}
		code, ok := args["code"].(string)
		if !ok || code == "" {
			return nil, &domain.ValidationError{Field: "code", Reason: "required"}
		}
		language, _ := args["language"].(string)
		if language == "" {
			language = "python"
		}
		if err := ctl.Checkpoint(ctx); err != nil {
			return nil, err
		}

		payload := strings.NewReader(fmt.Sprintf(`{"language":%q,"code":%q}`, language, code))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sandboxURL+"/execute", payload)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sandbox request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
		if err != nil {
			return nil, fmt.Errorf("read sandbox response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("sandbox error: status=%d body=%s", resp.StatusCode, string(body))
		}
		return map[string]any{"output": string(body)}, nil
	}
}

// evalExpression evaluates a basic arithmetic expression: numbers, + - * /,
// unary minus and parentheses.
func evalExpression(expr string) (float64, error) {
	p := &exprParser{input: expr}
	v, err := p.parseAddSub()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("unexpected character at position %d", p.pos)
	}
	return v, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseAddSub() (float64, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseMulDiv() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	if p.peek() == '(' {
		p.pos++
		v, err := p.parseAddSub()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}

	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	return strconv.ParseFloat(p.input[start:p.pos], 64)
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
