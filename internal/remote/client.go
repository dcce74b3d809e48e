package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"readaloud/internal/domain"
)

// APIError wraps non-2xx responses from the recording store.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client talks to the recording store over HTTP. It implements the sentence
// feed, stats source, contributor directory, uploader and health probe ports.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{
		http:   httpClient,
		logger: logger.With(zap.String("component", "remote")),
	}
}

type nextSentenceResponse struct {
	Sentence  *string `json:"sentence"`
	Remaining int     `json:"remaining"`
	Completed bool    `json:"completed"`
	Message   string  `json:"message"`
}

// Next fetches the next unrecorded sentence. A null sentence marks the end of
// the script.
func (c *Client) Next(ctx context.Context) (domain.SentenceTask, error) {
	var resp nextSentenceResponse
	if err := c.get(ctx, "/next_sentence", &resp); err != nil {
		return domain.SentenceTask{}, err
	}
	if resp.Sentence == nil || resp.Completed {
		return domain.SentenceTask{IsTerminal: true}, nil
	}
	text := strings.TrimSpace(*resp.Sentence)
	if text == "" {
		return domain.SentenceTask{}, fmt.Errorf("%w: empty sentence in response", domain.ErrRemoteRejected)
	}
	return domain.SentenceTask{Text: text, Remaining: resp.Remaining}, nil
}

type statsResponse struct {
	TotalSentences  int     `json:"total_sentences"`
	RecordedCount   int     `json:"recorded_count"`
	RemainingCount  int     `json:"remaining_count"`
	ProgressPercent float64 `json:"progress_percent"`
}

func (c *Client) GlobalStats(ctx context.Context) (domain.Stats, error) {
	var resp statsResponse
	if err := c.get(ctx, "/stats", &resp); err != nil {
		return domain.Stats{}, err
	}
	return domain.Stats{
		TotalCount:      resp.TotalSentences,
		RecordedCount:   resp.RecordedCount,
		RemainingCount:  resp.RemainingCount,
		ProgressPercent: resp.ProgressPercent,
	}, nil
}

type contributorStatsResponse struct {
	Name           string `json:"name"`
	RecordingCount int    `json:"recording_count"`
}

func (c *Client) ContributorStats(ctx context.Context, name string) (domain.ContributorStats, error) {
	var resp contributorStatsResponse
	if err := c.get(ctx, "/contributors/"+url.PathEscape(name)+"/stats", &resp); err != nil {
		return domain.ContributorStats{}, err
	}
	if resp.Name == "" {
		resp.Name = name
	}
	return domain.ContributorStats{Name: resp.Name, RecordingCount: resp.RecordingCount}, nil
}

// ListContributors returns every name the store has seen.
func (c *Client) ListContributors(ctx context.Context) ([]domain.DirectoryEntry, error) {
	var resp []domain.DirectoryEntry
	if err := c.get(ctx, "/contributors", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Upload posts the recording and its metadata as one multipart request.
func (c *Client) Upload(ctx context.Context, upload domain.Upload) (domain.UploadReceipt, error) {
	var receipt domain.UploadReceipt
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("audio", uploadFilename(upload), bytes.NewReader(upload.Audio)).
		SetFormData(map[string]string{
			"mime_type":   upload.MimeType,
			"sentence":    upload.SentenceText,
			"speaker":     upload.IdentityName,
			"attempt_id":  upload.AttemptID,
			"duration_ms": strconv.FormatInt(upload.Duration.Milliseconds(), 10),
		}).
		SetResult(&receipt).
		Post("/submit_recording")
	if err != nil {
		return domain.UploadReceipt{}, transportError(err)
	}
	if resp.IsError() {
		return domain.UploadReceipt{}, fmt.Errorf("%w: %w", domain.ErrRemoteRejected, apiError(resp))
	}
	return receipt, nil
}

// Health asks the store whether its backing storage is reachable. Stores
// without a health endpoint are considered healthy when stats respond.
func (c *Client) Health(ctx context.Context) (domain.Health, error) {
	var health domain.Health
	resp, err := c.http.R().SetContext(ctx).SetResult(&health).Get("/health")
	if err != nil {
		return domain.Health{}, transportError(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		if _, err := c.GlobalStats(ctx); err != nil {
			return domain.Health{Healthy: false, Detail: err.Error()}, nil
		}
		return domain.Health{Healthy: true}, nil
	}
	if resp.IsError() {
		return domain.Health{Healthy: false, Detail: apiError(resp).Error()}, nil
	}
	return health, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	resp, err := c.http.R().SetContext(ctx).SetResult(out).Get(path)
	if err != nil {
		return transportError(err)
	}
	if resp.IsError() {
		c.logger.Debug("remote request failed", zap.String("path", path), zap.Int("status", resp.StatusCode()))
		return apiError(resp)
	}
	return nil
}

func apiError(resp *resty.Response) *APIError {
	return &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrNetworkFailure, err)
}

// uploadFilename picks a file extension the store can recognise from the mime
// type.
func uploadFilename(upload domain.Upload) string {
	name := upload.AttemptID
	if name == "" {
		name = "recording"
	}
	return name + extensionFor(upload.MimeType)
}

func extensionFor(mimeType string) string {
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	switch base {
	case "audio/ogg":
		return ".ogg"
	case "audio/mp4":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	default:
		return ".webm"
	}
}
