package producer

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient drafts documentation text through the chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

const systemPrompt = "You are a technical writer maintaining a project changelog. " +
	"Return only the full updated markdown document, no commentary."

// GenerateDocUpdate asks the model to fold the change into the document.
// An empty result means the model produced nothing usable; the caller falls
// back to the deterministic heuristic.
func (c *OpenAIClient) GenerateDocUpdate(ctx context.Context, current string, change ChangeContext) (string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Update the changelog below for a merged change.\n\n")
	fmt.Fprintf(&prompt, "PR #%d: %s\nAuthor: %s\n", change.PRNumber, change.PRTitle, change.Author)
	if change.TicketKey != "" {
		fmt.Fprintf(&prompt, "Ticket: %s", change.TicketKey)
		if change.TicketSummary != "" {
			fmt.Fprintf(&prompt, " (%s)", change.TicketSummary)
		}
		prompt.WriteString("\n")
	}
	if change.Diff != "" {
		fmt.Fprintf(&prompt, "\nDiff:\n```\n%s\n```\n", change.Diff)
	}
	fmt.Fprintf(&prompt, "\nCurrent document:\n```markdown\n%s\n```\n", current)

	return c.complete(ctx, prompt.String())
}

// GenerateDocRewrite asks the model to remove exactly one concept from the
// document while preserving everything else verbatim.
func (c *OpenAIClient) GenerateDocRewrite(ctx context.Context, current string, spec RemovalSpec) (string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Rewrite the document below with every trace of %s removed.\n", spec.Mention)
	if spec.Title != "" {
		fmt.Fprintf(&prompt, "The change being removed was titled: %q.\n", spec.Title)
	}
	for _, title := range spec.AlsoTitles {
		fmt.Fprintf(&prompt, "Also remove content about: %q.\n", title)
	}
	prompt.WriteString("Preserve all unrelated content exactly as written.\n")
	fmt.Fprintf(&prompt, "\nDocument:\n```markdown\n%s\n```\n", current)

	return c.complete(ctx, prompt.String())
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return stripFence(resp.Choices[0].Message.Content), nil
}

// stripFence unwraps a response the model wrapped in a markdown code fence.
func stripFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 || !strings.HasPrefix(lines[len(lines)-1], "```") {
		return text
	}
	return strings.Join(lines[1:len(lines)-1], "\n") + "\n"
}
