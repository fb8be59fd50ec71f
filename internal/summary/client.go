package summary

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"emperror.dev/errors"
	"github.com/hashicorp/go-cleanhttp"
	"google.golang.org/genai"

	"github.com/lvdashuaibi/teamvote/internal/model"
)

// Options 摘要客户端参数
type Options struct {
	// Endpoint 为空时使用 Gemini API 默认地址
	Endpoint string
	Model    string
	APIKey   string
	// HTTPClient 为空时使用 cleanhttp 的连接池客户端
	HTTPClient *http.Client
}

// Client 调用 Gemini 为计票结果生成摘要
type Client struct {
	genai *genai.Client
	model string
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Model == "" {
		return nil, errors.New("摘要模型不能为空")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}

	cfg := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if opts.Endpoint != "" {
		cfg.HTTPOptions.BaseURL = strings.TrimRight(opts.Endpoint, "/") + "/"
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "创建摘要客户端失败")
	}
	return &Client{genai: client, model: opts.Model}, nil
}

// Summarize 生成一段简短的结果摘要
func (c *Client) Summarize(ctx context.Context, topic *model.Topic, tally *model.Tally) (string, error) {
	resp, err := c.genai.Models.GenerateContent(ctx, c.model, genai.Text(buildPrompt(topic, tally)), nil)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", errors.WrapWithDetails(err, "摘要服务返回错误", "status", apiErr.Code)
		}
		return "", errors.Wrap(err, "调用摘要服务失败")
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("摘要服务返回空结果")
	}
	return text, nil
}

func buildPrompt(topic *model.Topic, tally *model.Tally) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summarize the results of the team vote %q in two or three sentences.\n", topic.Title)
	if tally.FreeText {
		sb.WriteString("Free-form answers:\n")
		for _, a := range tally.Answers {
			fmt.Fprintf(&sb, "- %s\n", a)
		}
		return sb.String()
	}
	fmt.Fprintf(&sb, "Total votes: %d\n", tally.Total)
	for _, c := range tally.Counts {
		fmt.Fprintf(&sb, "- %s: %d\n", c.Option, c.Count)
	}
	return sb.String()
}
