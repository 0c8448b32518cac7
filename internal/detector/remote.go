package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gary-y/safestream/internal/media"
	"github.com/gary-y/safestream/internal/types"
)

// classifyRequest is the wire request to the classification service
type classifyRequest struct {
	// Image is a base64-encoded JPEG
	Image string `json:"image"`
}

// classifyResponse is the wire response from the classification service
type classifyResponse struct {
	Scores   []scoreEntry `json:"scores"`
	Dominant string       `json:"dominant"`
	Safe     bool         `json:"safe"`
}

type scoreEntry struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// RemoteClassifier calls an HTTP classification service with a
// quality-reduced JPEG of each frame and maps the response to the
// whole-frame Classification variant.
type RemoteClassifier struct {
	endpoint string
	quality  int
	client   *http.Client
}

// RemoteConfig configures the remote classifier
type RemoteConfig struct {
	Endpoint    string
	JPEGQuality int
	Timeout     time.Duration
}

// NewRemoteClassifier creates a remote HTTP classifier adapter
func NewRemoteClassifier(cfg RemoteConfig) (*RemoteClassifier, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("detector: endpoint is required")
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 60
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RemoteClassifier{
		endpoint: cfg.Endpoint,
		quality:  cfg.JPEGQuality,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Kind implements Detector
func (c *RemoteClassifier) Kind() types.ResultKind { return types.KindClassification }

// Analyze implements Detector: one POST per frame, no retry
func (c *RemoteClassifier) Analyze(ctx context.Context, frame types.Frame) (types.DetectionResult, error) {
	encoded, err := media.EncodeJPEG(frame, c.quality)
	if err != nil {
		return types.DetectionResult{}, err
	}

	body, _ := json.Marshal(classifyRequest{
		Image: base64.StdEncoding.EncodeToString(encoded),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/classify", bytes.NewReader(body))
	if err != nil {
		return types.DetectionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return types.DetectionResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return types.DetectionResult{}, fmt.Errorf("classify %s: %s", resp.Status, string(msg))
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.DetectionResult{}, fmt.Errorf("classify decode: %w", err)
	}

	result := types.DetectionResult{
		Kind:      types.KindClassification,
		Timestamp: time.Now(),
		IsSafe:    out.Safe,
		Primary:   out.Dominant,
	}
	for _, s := range out.Scores {
		result.Scores = append(result.Scores, types.CategoryScore{
			Label:       s.Label,
			Probability: s.Probability,
		})
	}
	return result, nil
}

// Close implements Detector
func (c *RemoteClassifier) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

var _ Detector = (*RemoteClassifier)(nil)
