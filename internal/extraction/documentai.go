package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/encoding/protojson"

	"docflow/internal/logger"
)

// OutputReader fetches the JSON documents a batch operation wrote under a gs:// prefix.
type OutputReader interface {
	ReadURIPrefix(ctx context.Context, uri string) ([][]byte, error)
}

// DocumentAIConfig holds Document AI connection settings.
type DocumentAIConfig struct {
	ProjectID        string
	Location         string
	ProcessorID      string
	ProcessorVersion string
	Timeout          time.Duration
	// Async selects BatchProcessDocuments (tracked operation) over ProcessDocument.
	Async bool

	CredentialsJSON string
	CredentialsFile string
}

// DocumentAIExtractor implements Extractor using Google Document AI.
type DocumentAIExtractor struct {
	client *documentai.DocumentProcessorClient
	output OutputReader
	config DocumentAIConfig
	log    zerolog.Logger
}

// NewDocumentAIExtractor creates a Document AI client for the configured region.
func NewDocumentAIExtractor(ctx context.Context, config DocumentAIConfig, output OutputReader) (*DocumentAIExtractor, error) {
	const op = "NewDocumentAIExtractor"

	if config.ProjectID == "" {
		return nil, WrapExtractionError(op, ErrInvalidConfiguration, "GOOGLE_CLOUD_PROJECT is required")
	}
	if config.ProcessorID == "" {
		return nil, WrapExtractionError(op, ErrInvalidConfiguration, "DOCUMENT_AI_PROCESSOR_ID is required")
	}
	if config.Async && output == nil {
		return nil, WrapExtractionError(op, ErrInvalidConfiguration, "asynchronous mode needs a GCS output reader")
	}
	if config.Location == "" {
		config.Location = "us"
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	var clientOptions []option.ClientOption
	if config.Location != "us" {
		endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", config.Location)
		clientOptions = append(clientOptions, option.WithEndpoint(endpoint))
	}
	clientOptions = append(clientOptions, credentialOptions(config.CredentialsJSON, config.CredentialsFile)...)

	client, err := documentai.NewDocumentProcessorClient(ctx, clientOptions...)
	if err != nil {
		return nil, WrapExtractionError(op, ErrMissingCredentials, fmt.Sprintf("create Document AI client for location %s: %v", config.Location, err))
	}

	return &DocumentAIExtractor{
		client: client,
		output: output,
		config: config,
		log:    logger.WithComponent("document-ai"),
	}, nil
}

// Submit starts extraction. In async mode the document must live in GCS and
// the returned submission carries the operation name; otherwise the source
// bytes are sent inline and the result is returned directly.
func (p *DocumentAIExtractor) Submit(ctx context.Context, doc Document) (*Submission, error) {
	if p.config.Async {
		return p.submitBatch(ctx, doc)
	}
	return p.processInline(ctx, doc)
}

func (p *DocumentAIExtractor) submitBatch(ctx context.Context, doc Document) (*Submission, error) {
	const op = "SubmitBatch"

	if !strings.HasPrefix(doc.StorageURI, "gs://") {
		return nil, WrapExtractionError(op, ErrUnsupportedSource, "batch processing needs a gs:// source")
	}
	if !strings.HasPrefix(doc.OutputURI, "gs://") {
		return nil, WrapExtractionError(op, ErrUnsupportedSource, "batch processing needs a gs:// output prefix")
	}

	req := &documentaipb.BatchProcessRequest{
		Name: p.processorName(doc.ModelID),
		InputDocuments: &documentaipb.BatchDocumentsInputConfig{
			Source: &documentaipb.BatchDocumentsInputConfig_GcsDocuments{
				GcsDocuments: &documentaipb.GcsDocuments{
					Documents: []*documentaipb.GcsDocument{
						{GcsUri: doc.StorageURI, MimeType: doc.MimeType},
					},
				},
			},
		},
		DocumentOutputConfig: &documentaipb.DocumentOutputConfig{
			Destination: &documentaipb.DocumentOutputConfig_GcsOutputConfig_{
				GcsOutputConfig: &documentaipb.DocumentOutputConfig_GcsOutputConfig{
					GcsUri: doc.OutputURI,
				},
			},
		},
	}

	operation, err := p.client.BatchProcessDocuments(ctx, req)
	if err != nil {
		return nil, fromRPC(op, err)
	}

	p.log.Debug().
		Str("operation_id", operation.Name()).
		Str("source", doc.StorageURI).
		Int("page", doc.PageNumber).
		Msg("Started Document AI batch operation")

	return &Submission{OperationID: operation.Name()}, nil
}

func (p *DocumentAIExtractor) processInline(ctx context.Context, doc Document) (*Submission, error) {
	const op = "ProcessDocument"

	if doc.Load == nil {
		return nil, WrapExtractionError(op, ErrUnsupportedSource, "inline processing needs readable source bytes")
	}
	content, err := doc.Load(ctx)
	if err != nil {
		return nil, WrapExtractionError(op, err, "failed to read source document")
	}
	if len(content) > MaxDocumentSizeBytes {
		return nil, WrapExtractionError(op, ErrDocumentTooLarge, fmt.Sprintf("file size: %d bytes", len(content)))
	}

	processCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req := &documentaipb.ProcessRequest{
		Name: p.processorName(doc.ModelID),
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  content,
				MimeType: doc.MimeType,
			},
		},
	}

	resp, err := p.client.ProcessDocument(processCtx, req)
	if err != nil {
		return nil, fromRPC(op, err)
	}
	if resp.GetDocument() == nil {
		return nil, WrapExtractionError(op, ErrProcessingFailed, "no document in response")
	}
	return &Submission{Result: p.documentResult(resp.GetDocument())}, nil
}

// Poll resumes the operation by name, so it works for operations started
// before a process restart.
func (p *DocumentAIExtractor) Poll(ctx context.Context, operationID string) (*PollResult, error) {
	const op = "Poll"

	if operationID == "" {
		return nil, WrapExtractionError(op, ErrUnknownOperation, "empty operation id")
	}

	operation := p.client.BatchProcessDocumentsOperation(operationID)
	if _, err := operation.Poll(ctx); err != nil {
		if !operation.Done() {
			return nil, fromRPC(op, err)
		}
		// The operation itself finished with an error status.
		return &PollResult{Status: OperationFailed, Error: Message(fromRPC(op, err))}, nil
	}
	if !operation.Done() {
		return &PollResult{Status: OperationRunning}, nil
	}

	meta, err := operation.Metadata()
	if err != nil {
		return nil, WrapExtractionError(op, err, "failed to read operation metadata")
	}

	result := &Result{Fields: map[string]string{}}
	var confidenceSum float32
	var documents int
	for _, individual := range meta.GetIndividualProcessStatuses() {
		if st := individual.GetStatus(); st != nil && st.GetCode() != 0 {
			return &PollResult{Status: OperationFailed, Error: st.GetMessage()}, nil
		}
		blobs, err := p.output.ReadURIPrefix(ctx, individual.GetOutputGcsDestination())
		if err != nil {
			return nil, WrapExtractionError(op, err, "failed to read batch output")
		}
		for _, raw := range blobs {
			doc := &documentaipb.Document{}
			if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(raw, doc); err != nil {
				return nil, WrapExtractionError(op, err, "failed to decode batch output")
			}
			part := p.documentResult(doc)
			for k, v := range part.Fields {
				if _, exists := result.Fields[k]; !exists {
					result.Fields[k] = v
				}
			}
			confidenceSum += part.Confidence
			documents++
		}
	}
	if documents > 0 {
		result.Confidence = confidenceSum / float32(documents)
	}

	p.log.Debug().
		Str("operation_id", operationID).
		Int("fields", len(result.Fields)).
		Msg("Document AI operation succeeded")

	return &PollResult{Status: OperationSucceeded, Result: result}, nil
}

// processorName constructs the full processor name. A model id overrides
// the configured processor version.
func (p *DocumentAIExtractor) processorName(modelID string) string {
	version := p.config.ProcessorVersion
	if modelID != "" {
		version = modelID
	}
	if version != "" {
		return fmt.Sprintf("projects/%s/locations/%s/processors/%s/processorVersions/%s",
			p.config.ProjectID, p.config.Location, p.config.ProcessorID, version)
	}
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s",
		p.config.ProjectID, p.config.Location, p.config.ProcessorID)
}

func (p *DocumentAIExtractor) documentResult(doc *documentaipb.Document) *Result {
	fields, confidence := entityFields(doc)
	for name, value := range fields {
		p.log.Trace().Str("field", name).Str("value", value).Msg("Extracted field")
	}
	return &Result{Fields: fields, Confidence: confidence}
}

// entityFields flattens Document AI entities into a field map. Nested
// properties are keyed "parent/child"; the first occurrence of a key wins.
func entityFields(doc *documentaipb.Document) (map[string]string, float32) {
	fields := make(map[string]string)
	var confidenceSum float32
	var count int

	var visit func(prefix string, entities []*documentaipb.Document_Entity)
	visit = func(prefix string, entities []*documentaipb.Document_Entity) {
		for _, entity := range entities {
			key := entity.GetType()
			if prefix != "" {
				key = prefix + "/" + key
			}
			if _, exists := fields[key]; !exists {
				fields[key] = entityValue(entity)
				confidenceSum += entity.GetConfidence()
				count++
			}
			visit(key, entity.GetProperties())
		}
	}
	visit("", doc.GetEntities())

	if count == 0 {
		return fields, 0
	}
	return fields, confidenceSum / float32(count)
}

// entityValue prefers the normalized value, so dates arrive as ISO strings.
func entityValue(entity *documentaipb.Document_Entity) string {
	if nv := entity.GetNormalizedValue(); nv != nil {
		if d := nv.GetDateValue(); d != nil && d.GetYear() > 0 {
			return fmt.Sprintf("%04d-%02d-%02d", d.GetYear(), d.GetMonth(), d.GetDay())
		}
		if text := strings.TrimSpace(nv.GetText()); text != "" {
			return text
		}
	}
	return strings.TrimSpace(entity.GetMentionText())
}

func credentialOptions(credJSON, credFile string) []option.ClientOption {
	switch {
	case credJSON != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(credJSON))}
	case credFile != "":
		return []option.ClientOption{option.WithCredentialsFile(credFile)}
	}
	return nil
}

// Close closes the underlying Document AI client.
func (p *DocumentAIExtractor) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
