package search

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"
	es "github.com/opensearch-project/opensearch-go/v2"
	esapi "github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// Synchronizer performs idempotent upsert/delete of package documents against
// the remote index, and keeps the index schema current at startup.
//
// Writes are last-write-wins by DocIndexTs: no ordering token is enforced, so
// two workers applying out-of-order changes for the same package leave the
// index eventually consistent, not strictly ordered.
type Synchronizer struct {
	escli  *es.Client
	index  string
	logger *slog.Logger
}

func NewSynchronizer(escli *es.Client, index string, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		escli:  escli,
		index:  index,
		logger: logger.With("source", "index_sync", "index", index),
	}
}

// EnsureSchema creates the index if absent, otherwise diffs the live mapping
// against the desired field list and additively applies any missing fields.
// Fields are never removed.
func (s *Synchronizer) EnsureSchema(ctx context.Context) error {
	existsReq := esapi.IndicesExistsRequest{Index: []string{s.index}}
	res, err := existsReq.Do(ctx, s.escli)
	if err != nil {
		return fmt.Errorf("failed to check index existence: %w", err)
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()

	if res.StatusCode == 404 {
		return s.createIndex(ctx)
	}
	if res.IsError() {
		return fmt.Errorf("index existence check error, code=%d", res.StatusCode)
	}

	missing, err := s.missingFields(ctx)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		s.logger.Info("index schema is current")
		return nil
	}

	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	s.logger.Info("adding missing index fields", "fields", strings.Join(names, ","))

	body, err := json.Marshal(map[string]interface{}{"properties": missing})
	if err != nil {
		return err
	}
	putReq := esapi.IndicesPutMappingRequest{
		Index: []string{s.index},
		Body:  bytes.NewReader(body),
	}
	putRes, err := putReq.Do(ctx, s.escli)
	if err != nil {
		return fmt.Errorf("failed to update index mapping: %w", err)
	}
	defer putRes.Body.Close()
	if putRes.IsError() {
		b, _ := io.ReadAll(putRes.Body)
		return fmt.Errorf("mapping update error, code=%d body=%s", putRes.StatusCode, string(b))
	}
	return nil
}

func (s *Synchronizer) createIndex(ctx context.Context) error {
	s.logger.Info("creating index")
	body, err := json.Marshal(map[string]interface{}{
		"mappings": map[string]interface{}{"properties": desiredFields},
	})
	if err != nil {
		return err
	}
	req := esapi.IndicesCreateRequest{
		Index: s.index,
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, s.escli)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index creation error, code=%d body=%s", res.StatusCode, string(b))
	}
	return nil
}

func (s *Synchronizer) missingFields(ctx context.Context) (map[string]map[string]interface{}, error) {
	req := esapi.IndicesGetMappingRequest{Index: []string{s.index}}
	res, err := req.Do(ctx, s.escli)
	if err != nil {
		return nil, fmt.Errorf("failed to get index mapping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("mapping fetch error, code=%d", res.StatusCode)
	}

	var raw map[string]struct {
		Mappings struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode index mapping: %w", err)
	}

	live := map[string]bool{}
	for _, idx := range raw {
		for name := range idx.Mappings.Properties {
			live[name] = true
		}
	}

	missing := map[string]map[string]interface{}{}
	for name, mapping := range desiredFields {
		if !live[name] {
			missing[name] = mapping
		}
	}
	return missing, nil
}

// Upsert bulk-imports documents. The import is document-independent: per-doc
// failures are logged (first few ids) and counted, but do not roll back the
// rest of the batch and do not fail the call.
func (s *Synchronizer) Upsert(ctx context.Context, docs []PackageDoc) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for i := range docs {
		meta := map[string]map[string]string{
			"index": {"_index": s.index, "_id": docs[i].DocId()},
		}
		mb, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		db, err := json.Marshal(&docs[i])
		if err != nil {
			return err
		}
		buf.Write(mb)
		buf.WriteByte('\n')
		buf.Write(db)
		buf.WriteByte('\n')
	}

	req := esapi.BulkRequest{Body: &buf}
	res, err := req.Do(ctx, s.escli)
	if err != nil {
		packagesFailed.Add(float64(len(docs)))
		return fmt.Errorf("failed to send bulk indexing request: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read bulk indexing response: %w", err)
	}
	if res.IsError() {
		packagesFailed.Add(float64(len(docs)))
		s.logger.Warn("bulk indexing error", "status_code", res.StatusCode, "body", string(body))
		return fmt.Errorf("bulk indexing error, code=%d", res.StatusCode)
	}

	var bulkRes struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &bulkRes); err != nil {
		return fmt.Errorf("failed to decode bulk indexing response: %w", err)
	}

	if bulkRes.Errors {
		var failed []string
		for _, item := range bulkRes.Items {
			for _, r := range item {
				if r.Status >= 300 {
					failed = append(failed, r.ID)
				}
			}
		}
		packagesFailed.Add(float64(len(failed)))
		packagesIndexed.Add(float64(len(docs) - len(failed)))
		sample := failed
		if len(sample) > 5 {
			sample = sample[:5]
		}
		s.logger.Warn("bulk import had per-document failures",
			"failed", len(failed),
			"sample_ids", strings.Join(sample, ","),
		)
		return nil
	}

	packagesIndexed.Add(float64(len(docs)))
	return nil
}

// Delete removes a document by id. Deleting an absent document is a no-op.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	log := s.logger.With("id", id, "op", "delete")
	log.Info("deleting package from index")

	req := esapi.DeleteRequest{
		Index:      s.index,
		DocumentID: id,
	}
	res, err := req.Do(ctx, s.escli)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read delete response: %w", err)
	}
	if res.StatusCode == 404 {
		// already gone
		return nil
	}
	if res.IsError() {
		log.Warn("index delete error", "status_code", res.StatusCode, "body", string(body))
		return fmt.Errorf("index delete error, code=%d", res.StatusCode)
	}
	packagesDeleted.Inc()
	return nil
}

// Get retrieves one document by id, mostly for CLI checks and tests.
func (s *Synchronizer) Get(ctx context.Context, id string) (*PackageDoc, error) {
	req := esapi.GetRequest{
		Index:      s.index,
		DocumentID: id,
	}
	res, err := req.Do(ctx, s.escli)
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("document fetch error, code=%d", res.StatusCode)
	}

	var wrapper struct {
		Source PackageDoc `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&wrapper); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return &wrapper.Source, nil
}
