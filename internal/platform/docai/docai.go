package docai

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"

	"github.com/yungbote/loqui-backend/internal/platform/blob"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

// Extractor sends raw document bytes through a Document AI processor and
// returns the recognized text. It backs up the native PDF extractor for
// scanned documents with no embedded text layer.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, mimeType string) (string, error)
	Close() error
}

type Config struct {
	ProjectID        string
	Location         string
	ProcessorID      string
	ProcessorVersion string
}

// ResolveConfigFromEnv reads DOCAI_PROJECT_ID (falling back to
// GCP_PROJECT_ID), DOCAI_LOCATION and DOCAI_PROCESSOR_ID. The extractor is
// optional: with no processor configured, Enabled() is false and ingestion
// runs on native extraction alone.
func ResolveConfigFromEnv() Config {
	projectID := strings.TrimSpace(os.Getenv("DOCAI_PROJECT_ID"))
	if projectID == "" {
		projectID = strings.TrimSpace(os.Getenv("GCP_PROJECT_ID"))
	}
	location := strings.TrimSpace(os.Getenv("DOCAI_LOCATION"))
	if location == "" {
		location = "us"
	}
	return Config{
		ProjectID:        projectID,
		Location:         location,
		ProcessorID:      strings.TrimSpace(os.Getenv("DOCAI_PROCESSOR_ID")),
		ProcessorVersion: strings.TrimSpace(os.Getenv("DOCAI_PROCESSOR_VERSION")),
	}
}

func (c Config) Enabled() bool {
	return c.ProjectID != "" && c.ProcessorID != ""
}

func (c Config) processorName() string {
	base := fmt.Sprintf("projects/%s/locations/%s/processors/%s", c.ProjectID, c.Location, c.ProcessorID)
	if c.ProcessorVersion != "" {
		return base + "/processorVersions/" + c.ProcessorVersion
	}
	return base
}

type extractor struct {
	log    *logger.Logger
	cfg    Config
	client *documentai.DocumentProcessorClient
}

func New(baseLog *logger.Logger, cfg Config) (Extractor, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("docai config incomplete: project and processor id required")
	}

	log := baseLog.With("component", "DocAIExtractor")
	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", cfg.Location)
	opts := append([]option.ClientOption{option.WithEndpoint(endpoint)}, blob.ClientOptionsFromEnv()...)

	client, err := documentai.NewDocumentProcessorClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}

	log.Info("Document AI extractor initialized", "endpoint", endpoint, "processor", cfg.ProcessorID)
	return &extractor{log: log, cfg: cfg, client: client}, nil
}

func (e *extractor) ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	resp, err := e.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: e.cfg.processorName(),
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  data,
				MimeType: mimeType,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("documentai ProcessDocument: %w", err)
	}
	if resp == nil || resp.Document == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Document.Text), nil
}

func (e *extractor) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}
