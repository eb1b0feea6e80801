package commands

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/corvuslabs/conduit-go/internal/logging"
	"github.com/corvuslabs/conduit-go/internal/queue"
	"github.com/corvuslabs/conduit-go/internal/state"
)

// NewIngestCmd constructs the `conduit ingest` command, which pushes a local
// file through the full pipeline without the HTTP server.
func NewIngestCmd() *cobra.Command {
	var (
		filePath string
		tenantID string
		source   string
		docType  string
		uploader string
		labels   []string
		metadata string
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a local file through the stage pipeline",
		Long: `Upload a local file to the object store, write its manifest, and enqueue
the stage chain.

With the in-memory broker the command runs the stages in-process and waits
for a terminal state; with Redis it enqueues and exits, leaving execution
to 'conduit worker'.

Examples:
  conduit ingest --tenant t1 --file ./report.pdf
  conduit ingest --tenant t1 --file ./news.txt --label finance --label q2 \
    --metadata '{"title":"Q2 wrap"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if filePath == "" || tenantID == "" {
				return fmt.Errorf("ingest: --file and --tenant are required")
			}

			data, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("ingest: read %s: %w", filePath, err)
			}
			if len(data) == 0 {
				return fmt.Errorf("ingest: %s is empty", filePath)
			}

			meta := map[string]any{}
			if strings.TrimSpace(metadata) != "" {
				if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
					return fmt.Errorf("ingest: --metadata must be a JSON object: %w", err)
				}
			}

			d, err := buildDeps(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer d.close()

			ingestID := uuid.NewString()
			basename := filepath.Base(filePath)
			mime := http.DetectContentType(data)

			rawKey, rawURI, err := d.objects.PutRaw(ctx, tenantID, ingestID, basename, data, mime)
			if err != nil {
				return fmt.Errorf("ingest: raw upload: %w", err)
			}
			meta["raw_uri"] = rawURI

			sum := sha256.Sum256(data)
			manifest := &state.Manifest{
				IngestID:         ingestID,
				TenantID:         tenantID,
				Source:           source,
				ObjectKey:        rawKey,
				ObjectSuffix:     basename,
				OriginalBasename: basename,
				DocType:          docType,
				Checksum:         hex.EncodeToString(sum[:]),
				Size:             int64(len(data)),
				Mime:             mime,
				Uploader:         uploader,
				Labels:           labels,
				Metadata:         meta,
				CreatedAt:        time.Now().UTC(),
			}
			if _, _, err := d.objects.PutManifest(ctx, tenantID, ingestID, manifest); err != nil {
				return fmt.Errorf("ingest: manifest upload: %w", err)
			}
			if err := d.store.PutManifest(ctx, manifest); err != nil {
				return fmt.Errorf("ingest: manifest persist: %w", err)
			}
			if err := d.coord.Start(ctx, ingestID, tenantID); err != nil {
				return fmt.Errorf("ingest: enqueue: %w", err)
			}

			fmt.Printf("queued %s (%s, %d bytes)\n", ingestID, basename, len(data))

			_, inMemory := d.broker.(*queue.MemoryBroker)
			if !inMemory {
				fmt.Println("broker is external; run 'conduit worker' to process the stages")
				return nil
			}

			pool := queue.NewPool(d.broker, d.coord.Handle, d.cfg.Broker.Workers)
			go pool.Run(ctx)

			deadline := time.After(wait)
			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-deadline:
					return fmt.Errorf("ingest: %s did not reach a terminal state within %s", ingestID, wait)
				case <-ticker.C:
				}

				ing, err := d.store.GetIngestion(ctx, ingestID)
				if err != nil {
					continue
				}
				if !ing.Status.Terminal() {
					continue
				}

				if ing.Status == state.StatusFailed {
					log.Error("ingest failed",
						slog.String("ingest_id", ingestID),
						slog.String("stage", ing.Stage),
						slog.String("reason", ing.DLQReason))
					return fmt.Errorf("ingest: %s failed at %s: %s", ingestID, ing.Stage, ing.DLQReason)
				}
				fmt.Printf("completed %s (stage %s)\n", ingestID, ing.Stage)
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&filePath, "file", "f", "", "Path of the file to ingest (required)")
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant id owning the document (required)")
	cmd.Flags().StringVar(&source, "source", "cli", "Source tag recorded in the manifest")
	cmd.Flags().StringVar(&docType, "doc-type", "", "Document type hint")
	cmd.Flags().StringVar(&uploader, "uploader", "", "Uploader recorded in the manifest")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "Label to attach (repeatable)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Free-form manifest metadata as a JSON object")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "How long to wait for completion with the in-memory broker")

	return cmd
}
