// Package collyengine implements crawler.ScrapeEngine in-process with gocolly.
// It understands the same selector schema as the external engine:
//
//	{"list": "<css>", "fields": {"name": {"selector": "<css>", "attr": "<attr>"}}}
package collyengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

const defaultTimeout = 40 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Schema is the selector spec stored on a source.
type Schema struct {
	List   string           `json:"list"`
	Fields map[string]Field `json:"fields"`
}

// Field extracts one value relative to the list node (or the page).
type Field struct {
	Selector string `json:"selector"`
	Attr     string `json:"attr"`
}

// Engine fetches a page with colly and applies a Schema to it.
type Engine struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds an Engine.
func New(cfg Config, logger *zap.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	return &Engine{cfg: cfg, baseCollector: c, logger: logger}
}

// ParseSchema decodes a selector spec. A spec without fields still yields one
// record per list node holding its text and first link.
func ParseSchema(raw json.RawMessage) (Schema, error) {
	var schema Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return Schema{}, fmt.Errorf("decode selector schema: %w", err)
	}
	if schema.List == "" && len(schema.Fields) == 0 {
		return Schema{}, errors.New("selector schema needs a list or fields")
	}
	for name, field := range schema.Fields {
		if strings.TrimSpace(field.Selector) == "" {
			return Schema{}, fmt.Errorf("field %q has no selector", name)
		}
	}
	return schema, nil
}

// Crawl fetches url and extracts records. Failures are *crawler.EngineCallError.
func (e *Engine) Crawl(ctx context.Context, url string, selectors json.RawMessage) (crawler.RawResult, error) {
	schema, err := ParseSchema(selectors)
	if err != nil {
		return crawler.RawResult{}, &crawler.EngineCallError{Err: err}
	}

	var (
		records  []map[string]any
		status   int
		body     []byte
		fetchErr error
	)
	collector := e.buildCollector()
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
	})
	collector.OnHTML("html", func(doc *colly.HTMLElement) {
		records = extract(doc, schema)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := e.runCollector(ctx, collector, url); err != nil {
		if ctx.Err() != nil {
			// The visit goroutine may still be running its callbacks.
			return crawler.RawResult{}, &crawler.EngineCallError{Err: err}
		}
		return crawler.RawResult{}, e.callError(status, err)
	}
	if fetchErr != nil {
		return crawler.RawResult{}, e.callError(status, fetchErr)
	}
	if len(records) == 0 && looksClientRendered(body) {
		e.logger.Warn("no records extracted and the page looks client-rendered; the local engine does not run JavaScript",
			zap.String("url", url),
			zap.Int("body_bytes", len(body)),
		)
	}

	return encodeResult(records)
}

func (e *Engine) buildCollector() *colly.Collector {
	collector := e.baseCollector.Clone()
	if e.cfg.UserAgent != "" {
		collector.UserAgent = e.cfg.UserAgent
	}
	collector.SetRequestTimeout(e.cfg.Timeout)
	return collector
}

func (e *Engine) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly crawl canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (e *Engine) callError(status int, err error) error {
	if status >= http.StatusBadRequest || (status > 0 && status < http.StatusOK) {
		return &crawler.EngineCallError{StatusCode: status, Body: http.StatusText(status)}
	}
	return &crawler.EngineCallError{Err: err}
}

func extract(doc *colly.HTMLElement, schema Schema) []map[string]any {
	if schema.List == "" {
		return []map[string]any{extractFields(doc, schema.Fields)}
	}
	var records []map[string]any
	doc.ForEach(schema.List, func(_ int, node *colly.HTMLElement) {
		if len(schema.Fields) == 0 {
			records = append(records, describeNode(node))
			return
		}
		records = append(records, extractFields(node, schema.Fields))
	})
	return records
}

// extractFields resolves every field against node. Missing elements are nil.
func extractFields(node *colly.HTMLElement, fields map[string]Field) map[string]any {
	row := make(map[string]any, len(fields))
	for name, field := range fields {
		match := node.DOM.Find(field.Selector).First()
		if match.Length() == 0 {
			row[name] = nil
			continue
		}
		if field.Attr != "" {
			val, ok := match.Attr(field.Attr)
			if !ok {
				row[name] = nil
				continue
			}
			row[name] = strings.TrimSpace(val)
			continue
		}
		row[name] = strings.TrimSpace(match.Text())
	}
	return row
}

func describeNode(node *colly.HTMLElement) map[string]any {
	row := map[string]any{"text": strings.Join(strings.Fields(node.Text), " ")}
	if href := node.Attr("href"); href != "" {
		row["link"] = href
	} else if href := node.ChildAttr("a[href]", "href"); href != "" {
		row["link"] = href
	}
	return row
}

// encodeResult shapes records the way the external engine responds so the
// archived body looks the same in both modes.
func encodeResult(records []map[string]any) (crawler.RawResult, error) {
	if records == nil {
		records = []map[string]any{}
	}
	body, err := json.Marshal(map[string]any{
		"status":    "ok",
		"extracted": map[string]any{"items": records},
	})
	if err != nil {
		return crawler.RawResult{}, &crawler.EngineCallError{Err: fmt.Errorf("encode records: %w", err)}
	}
	items := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return crawler.RawResult{}, &crawler.EngineCallError{Err: fmt.Errorf("encode record: %w", err)}
		}
		items = append(items, data)
	}
	return crawler.RawResult{Items: items, Body: body}, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
