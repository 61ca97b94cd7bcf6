package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	gerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/google/uuid"
)

const idPlaceholder = "{id}"

// AssetService is the remote service that owns asset records.
type AssetService interface {
	CreateAsset(ctx context.Context, req CreateAssetRequest) (*AssetRecord, error)
	FinalizeAsset(ctx context.Context, asset *AssetRecord) error
	GetMetadata(ctx context.Context, assetID string) (*AssetMetadata, error)
	DeleteAsset(ctx context.Context, assetID string) error
}

// CreateAssetRequest describes the file an asset is created for.
type CreateAssetRequest struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// Endpoints are URL templates for the asset service. {id} is replaced with
// the escaped asset id.
type Endpoints struct {
	CreateAsset   string `json:"create_asset" yaml:"create_asset" koanf:"create_asset"`
	FinalizeAsset string `json:"finalize_asset" yaml:"finalize_asset" koanf:"finalize_asset"`
	GetMetadata   string `json:"get_metadata" yaml:"get_metadata" koanf:"get_metadata"`
	DeleteAsset   string `json:"delete_asset" yaml:"delete_asset" koanf:"delete_asset"`
}

func (e Endpoints) Validate() error {
	var fields []gerrors.FieldError
	check := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			fields = append(fields, gerrors.FieldError{Field: name, Message: "endpoint is required"})
		}
	}

	check("create_asset", e.CreateAsset)
	check("finalize_asset", e.FinalizeAsset)
	check("get_metadata", e.GetMetadata)
	check("delete_asset", e.DeleteAsset)

	if len(fields) > 0 {
		return gerrors.NewValidation("asset service endpoints invalid", fields...)
	}
	return nil
}

var _ AssetService = &HTTPAssetService{}

// HTTPAssetService talks JSON to the asset service over HTTP.
type HTTPAssetService struct {
	endpoints Endpoints
	headers   http.Header
	retry     RetryConfig
	client    HTTPDoer
	logger    Logger
	sleep     sleepFunc
}

// NewHTTPAssetService talks to endpoints with the default client, retry
// config and logger.
func NewHTTPAssetService(endpoints Endpoints) *HTTPAssetService {
	return &HTTPAssetService{
		endpoints: endpoints,
		headers:   make(http.Header),
		retry:     DefaultRetryConfig(),
		client:    NewHTTPClient(),
		logger:    NewDefaultLogger(),
		sleep:     sleepContext,
	}
}

func (s *HTTPAssetService) WithHeader(key, value string) *HTTPAssetService {
	s.headers.Set(key, value)
	return s
}

func (s *HTTPAssetService) WithHTTPClient(client HTTPDoer) *HTTPAssetService {
	if client != nil {
		s.client = client
	}
	return s
}

func (s *HTTPAssetService) WithRetryConfig(cfg RetryConfig) *HTTPAssetService {
	s.retry = cfg.withDefaults()
	return s
}

func (s *HTTPAssetService) WithLogger(l Logger) *HTTPAssetService {
	s.logger = l
	return s
}

func (s *HTTPAssetService) Validate(context.Context) error {
	if s.client == nil {
		return fmt.Errorf("asset service: http client not configured")
	}
	return s.endpoints.Validate()
}

func (s *HTTPAssetService) CreateAsset(ctx context.Context, in CreateAssetRequest) (*AssetRecord, error) {
	payload, err := sonic.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("create asset: encode: %w", err)
	}

	policy := &ExponentialRetry{config: s.retry.Create, sleep: s.sleep}
	resp, err := s.call(ctx, policy.Do, "create asset", http.MethodPost, s.endpoints.CreateAsset, payload)
	if err != nil {
		return nil, err
	}

	record := &AssetRecord{}
	if err := decodeJSON(resp, record); err != nil {
		return nil, fmt.Errorf("create asset: decode: %w", err)
	}

	if record.ID == "" {
		return nil, fmt.Errorf("create asset: response has no asset id")
	}

	s.logger.Debug("asset created", "name", in.Name, "asset", print.MaybeHighlightJSON(record))
	return record, nil
}

// FinalizeAsset asks the service to assemble the uploaded chunks. The service
// answers an empty body on success; anything else is a rejection.
func (s *HTTPAssetService) FinalizeAsset(ctx context.Context, asset *AssetRecord) error {
	if asset == nil || asset.ID == "" {
		return fmt.Errorf("finalize asset: missing asset id")
	}

	payload, err := sonic.Marshal(map[string]string{"assetId": asset.ID})
	if err != nil {
		return fmt.Errorf("finalize asset: encode: %w", err)
	}

	policy := &PollingRetry{config: s.retry.Finalize, sleep: s.sleep}
	resp, err := s.call(ctx, policy.Do, "finalize asset", http.MethodPost, expandID(s.endpoints.FinalizeAsset, asset.ID), payload)
	if err != nil {
		return err
	}

	body, err := readBody(resp)
	if err != nil {
		return fmt.Errorf("finalize asset: read: %w", err)
	}

	if !emptyPayload(body) {
		s.logger.Debug("finalize rejected", "asset_id", asset.ID, "body", print.MaybeHighlightJSON(string(body)))
		return fmt.Errorf("%w: %s", ErrFinalizeRejected, strings.TrimSpace(string(body)))
	}

	return nil
}

// GetMetadata polls until the service has populated the page count.
func (s *HTTPAssetService) GetMetadata(ctx context.Context, assetID string) (*AssetMetadata, error) {
	policy := &PollingRetry{
		config:     s.retry.Metadata,
		extraCheck: metadataNotReady,
		sleep:      s.sleep,
	}

	resp, err := s.call(ctx, policy.Do, "get metadata", http.MethodGet, expandID(s.endpoints.GetMetadata, assetID), nil)
	if err != nil {
		return nil, err
	}

	meta := &AssetMetadata{}
	if err := decodeJSON(resp, meta); err != nil {
		return nil, fmt.Errorf("get metadata: decode: %w", err)
	}

	s.logger.Debug("asset metadata", "asset_id", assetID, "metadata", print.MaybeHighlightJSON(meta))
	return meta, nil
}

// DeleteAsset removes an asset. An asset that is already gone is not an error.
func (s *HTTPAssetService) DeleteAsset(ctx context.Context, assetID string) error {
	policy := &ExponentialRetry{config: s.retry.Delete, sleep: s.sleep}

	_, err := s.call(ctx, policy.Do, "delete asset", http.MethodDelete, expandID(s.endpoints.DeleteAsset, assetID), nil)
	if err != nil {
		var respErr *ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}

	return nil
}

type retryDo func(ctx context.Context, op AttemptFunc, hooks RetryHooks) (*RetryResult, error)

// call runs one logical request through do. A non-2xx final response is
// returned as *ResponseError; a 2xx response is returned unread.
func (s *HTTPAssetService) call(ctx context.Context, do retryDo, op, method, target string, payload []byte) (*http.Response, error) {
	if target == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrAssetServiceNotConfigured)
	}

	requestID := uuid.NewString()
	res, err := do(ctx, func(ctx context.Context, attempt int) (*http.Response, error) {
		req, err := s.newRequest(ctx, method, target, payload, requestID)
		if err != nil {
			return nil, err
		}
		return s.client.Do(req)
	}, RetryHooks{
		OnError: func(err error, attempt int) {
			s.logger.Debug("asset service attempt failed", "op", op, "attempt", attempt, "request_id", requestID, "error", err)
		},
	})
	if err != nil {
		return nil, err
	}

	if !isSuccessStatus(res.Response.StatusCode) {
		return nil, consumeResponseError(op, res.Response)
	}

	return res.Response, nil
}

func (s *HTTPAssetService) newRequest(ctx context.Context, method, target string, payload []byte, requestID string) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	for k, v := range s.headers {
		req.Header[k] = append([]string(nil), v...)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// metadataNotReady reports a 2xx response whose page count is not populated yet.
func metadataNotReady(resp *http.Response, body []byte) bool {
	if !isSuccessStatus(resp.StatusCode) {
		return false
	}

	var meta AssetMetadata
	if err := sonic.Unmarshal(body, &meta); err != nil {
		return true
	}
	return meta.NumPages <= 0
}

func expandID(tmpl, id string) string {
	return strings.ReplaceAll(tmpl, idPlaceholder, url.PathEscape(id))
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func decodeJSON(resp *http.Response, v any) error {
	data, err := readBody(resp)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, v)
}

func emptyPayload(body []byte) bool {
	switch strings.TrimSpace(string(body)) {
	case "", "{}", "null":
		return true
	}
	return false
}
