package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout           = 60 * time.Second
	DefaultMaxOutputTokens   = 2500
	DefaultRequestsPerMinute = 60
)

// RetryPolicy lists the waits before each retry. Its length bounds the retries for
// that class of error.
type RetryPolicy struct {
	RateLimitWaits   []time.Duration
	ServerErrorWaits []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RateLimitWaits:   []time.Duration{65 * time.Second, 100 * time.Second},
		ServerErrorWaits: []time.Duration{5 * time.Second, 30 * time.Second},
	}
}

type OpenAIConfig struct {
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerMinute int
	Retry             *RetryPolicy
	Logger            logrus.FieldLogger
}

type responsesAPI interface {
	New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
}

// OpenAIGenerator calls the OpenAI Responses API. Outbound requests share one rate
// limiter; each attempt has its own timeout.
type OpenAIGenerator struct {
	api     responsesAPI
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	retry   RetryPolicy
	logger  logrus.FieldLogger
}

func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing OpenAI API key")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("missing model")
	}
	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return newOpenAIGenerator(&client.Responses, cfg), nil
}

func newOpenAIGenerator(api responsesAPI, cfg OpenAIConfig) *OpenAIGenerator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	retry := DefaultRetryPolicy()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	logger := cfg.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	return &OpenAIGenerator{
		api:     api,
		model:   cfg.Model,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		retry:   retry,
		logger:  logger,
	}
}

func (g *OpenAIGenerator) Model() string { return g.model }

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	maxOut := req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputTokens
	}
	params := responses.ResponseNewParams{
		Model:           g.model,
		MaxOutputTokens: openai.Int(int64(maxOut)),
		Instructions:    openai.String(req.Instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(req.Input, responses.EasyInputMessageRoleUser),
			},
		},
	}
	if req.Schema != nil {
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   req.SchemaName,
					Schema: req.Schema,
					Strict: openai.Bool(true),
					Type:   "json_schema",
				},
			},
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	resp, err := CallWithRetry(ctx, g.api, params, CallOptions{
		Policy:         g.retry,
		AttemptTimeout: timeout,
		Limiter:        g.limiter,
		Logger:         g.logger.WithField("kind", req.Task),
	})
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", req.Task, err)
	}
	return Response{Text: resp.OutputText(), Model: g.model}, nil
}

type CallOptions struct {
	Policy         RetryPolicy
	AttemptTimeout time.Duration
	Limiter        *rate.Limiter
	Logger         logrus.FieldLogger
}

// CallWithRetry sends params, waiting and retrying on rate-limit and server errors
// according to the policy. Other errors, including attempt timeouts, return at once.
func CallWithRetry(ctx context.Context, api responsesAPI, params responses.ResponseNewParams, opts CallOptions) (*responses.Response, error) {
	rateLimitRetries, serverRetries := 0, 0
	for {
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		resp, err := callOnce(ctx, api, params, opts.AttemptTimeout)
		if err == nil {
			return resp, nil
		}

		var wait time.Duration
		switch {
		case isRateLimitError(err) && rateLimitRetries < len(opts.Policy.RateLimitWaits):
			wait = opts.Policy.RateLimitWaits[rateLimitRetries]
			rateLimitRetries++
		case isServerError(err) && serverRetries < len(opts.Policy.ServerErrorWaits):
			wait = opts.Policy.ServerErrorWaits[serverRetries]
			serverRetries++
		default:
			return nil, err
		}
		if opts.Logger != nil {
			opts.Logger.WithError(err).WithField("wait", wait).Warn("model call failed, retrying")
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func callOnce(ctx context.Context, api responsesAPI, params responses.ResponseNewParams, timeout time.Duration) (*responses.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return api.New(ctx, params)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error")
}

// GenerateSchema reflects T into a strict JSON schema: every object closed and every
// property required.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)
	schemaObj, err := schemaToMap(schema)
	if err != nil {
		panic(err)
	}
	ensureOpenAICompliance(schemaObj)
	return schemaObj
}

func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

const (
	propertiesKey           = "properties"
	additionalPropertiesKey = "additionalProperties"
	typeKey                 = "type"
	requiredKey             = "required"
	itemsKey                = "items"
)

func ensureOpenAICompliance(schema map[string]any) {
	if schemaType, ok := schema[typeKey].(string); ok && schemaType == "object" {
		schema[additionalPropertiesKey] = false

		if properties, ok := schema[propertiesKey].(map[string]any); ok {
			requiredFields := make([]string, 0, len(properties))
			for propName := range properties {
				requiredFields = append(requiredFields, propName)
			}
			sort.Strings(requiredFields)
			if len(requiredFields) > 0 {
				schema[requiredKey] = requiredFields
			}
		}
	}

	if properties, ok := schema[propertiesKey].(map[string]any); ok {
		for _, prop := range properties {
			if propMap, ok := prop.(map[string]any); ok {
				ensureOpenAICompliance(propMap)
			}
		}
	}

	if items, ok := schema[itemsKey].(map[string]any); ok {
		ensureOpenAICompliance(items)
	}
}
