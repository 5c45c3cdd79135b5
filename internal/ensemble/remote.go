package ensemble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// RemoteModel 通过 HTTP 调用外部推理服务。
//
// 请求：POST {"model": name, "features": {...}}
// 响应：{"probability": 0.73} 或 {"data": {"probability": 0.73}}
type RemoteModel struct {
	name   string
	url    string
	client *resty.Client
}

func NewRemoteModel(name, url string, timeout time.Duration) *RemoteModel {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	return &RemoteModel{name: name, url: strings.TrimSpace(url), client: client}
}

func (m *RemoteModel) Name() string { return m.name }

func (m *RemoteModel) Predict(ctx context.Context, feats map[string]float64) (Vote, error) {
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"model": m.name, "features": feats}).
		Post(m.url)
	if err != nil {
		return Vote{}, fmt.Errorf("remote model %s request failed: %w", m.name, err)
	}
	if resp.IsError() {
		return Vote{}, fmt.Errorf("remote model %s status %d", m.name, resp.StatusCode())
	}
	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return Vote{}, fmt.Errorf("remote model %s returned invalid json", m.name)
	}
	res := gjson.GetBytes(body, "probability")
	if !res.Exists() {
		res = gjson.GetBytes(body, "data.probability")
	}
	if !res.Exists() || res.Type != gjson.Number {
		return Vote{}, fmt.Errorf("remote model %s response missing probability", m.name)
	}
	return Vote{Probability: res.Float()}, nil
}
