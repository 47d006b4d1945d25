package tools

import (
	"context"
	"net/url"
	"strings"

	"google.golang.org/genai"
)

// GenerateImage returns a placeholder asset until a real image backend is wired.
type GenerateImage struct {
	baseURL string
}

func NewGenerateImage(baseURL string) *GenerateImage {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = "https://placehold.co/1024x1024"
	}
	return &GenerateImage{baseURL: baseURL}
}

func (*GenerateImage) Name() string { return "generate_image" }

func (*GenerateImage) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        "generate_image",
		Description: "Create an illustrative image from a text prompt.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"prompt": stringSchema("Description of the image."),
			},
			Required: []string{"prompt"},
		},
	}
}

func (g *GenerateImage) Call(_ context.Context, _ string, args map[string]any) any {
	prompt := stringArg(args, "prompt")
	if prompt == "" {
		return ErrorResult{Error: "prompt is required"}
	}
	label := prompt
	if r := []rune(label); len(r) > 40 {
		label = string(r[:40])
	}
	u, err := url.Parse(g.baseURL)
	if err != nil {
		return ErrorResult{Error: "image placeholder url is invalid"}
	}
	q := u.Query()
	q.Set("text", label)
	u.RawQuery = q.Encode()
	return map[string]any{
		"success":  true,
		"imageUrl": u.String(),
		"note":     "Image generation is in preview; this is a placeholder.",
	}
}
