package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/ingest"
	"github.com/mmdatafocus/recon_backend/middlewares"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/models/reports"
	"github.com/mmdatafocus/recon_backend/utils"
)

const maxUploadSizeBytes int64 = 20 * 1024 * 1024

// errorStatus maps engine errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, ingest.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrTransientStore), models.IsTimeout(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes the error and records it for ErrorLogger. Server errors hide details outside development.
func respondError(c *gin.Context, err error) {
	status := errorStatus(err)
	_ = c.Error(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && config.IsProduction() {
		message = http.StatusText(status)
	}
	c.JSON(status, gin.H{"error": message})
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, ok := utils.ParsePositiveInt(c.Param(name))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
	}
	return id, ok
}

func correlationId(c *gin.Context) string {
	cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	return cid
}

// parseColumnMapping decodes the columnMapping form value.
func parseColumnMapping(raw string) (models.FieldMapping, error) {
	var mapping models.FieldMapping
	if strings.TrimSpace(raw) == "" {
		return mapping, mapping.Validate()
	}
	if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
		return mapping, models.NewValidationError("columnMapping", "must be a JSON object")
	}
	return mapping, mapping.Validate()
}

func (a *app) uploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userId, _ := utils.GetUserIdFromContext(ctx)

		mapping, err := parseColumnMapping(c.PostForm("columnMapping"))
		if err != nil {
			respondError(c, err)
			return
		}

		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
			return
		}
		if header.Size > maxUploadSizeBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 20MB limit"})
			return
		}
		if _, err := ingest.DetectFormat(header.Filename); err != nil {
			respondError(c, err)
			return
		}
		file, err := header.Open()
		if err != nil {
			respondError(c, err)
			return
		}
		content, err := io.ReadAll(io.LimitReader(file, maxUploadSizeBytes+1))
		file.Close()
		if err != nil {
			respondError(c, err)
			return
		}

		db := a.db()
		fingerprint := ingest.Fingerprint(content)
		existing, err := models.FindBatchByFingerprint(ctx, db, fingerprint)
		if err != nil {
			respondError(c, err)
			return
		}
		if existing != nil {
			c.JSON(http.StatusOK, gin.H{
				"batchId": existing.ID,
				"status":  existing.Status,
				"reused":  true,
				"message": "File already uploaded, using existing batch",
			})
			return
		}

		objectName := path.Join("uploads", uuid.NewString()+strings.ToLower(filepath.Ext(header.Filename)))
		locator, err := a.eng().Files.Save(ctx, objectName, bytes.NewReader(content))
		if err != nil {
			respondError(c, fmt.Errorf("storing upload: %w: %w", models.ErrTransientStore, err))
			return
		}

		batch, reused, err := models.CreateBatch(ctx, db, models.NewBatch{
			OwnerUserId:   userId,
			FileName:      header.Filename,
			Fingerprint:   fingerprint,
			FieldMapping:  mapping,
			SourceLocator: locator,
			CorrelationId: correlationId(c),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		status, message := http.StatusCreated, "File uploaded successfully and processing started"
		if reused {
			status, message = http.StatusOK, "File already uploaded, using existing batch"
		}
		c.JSON(status, gin.H{
			"batchId": batch.ID,
			"status":  batch.Status,
			"reused":  reused,
			"message": message,
		})
	}
}

type remapRequest struct {
	ColumnMapping models.FieldMapping `json:"columnMapping"`
}

func (a *app) remapHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batchId, ok := pathId(c, "batchId")
		if !ok {
			return
		}
		var req remapRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		batch, err := models.RemapBatch(c.Request.Context(), a.db(), batchId, req.ColumnMapping, correlationId(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"batchId": batch.ID,
			"status":  batch.Status,
			"message": "Mapping updated and re-processing started",
		})
	}
}

func (a *app) listBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batches, err := models.ListBatches(c.Request.Context(), a.db(), 0)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batches)
	}
}

func (a *app) batchJobStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batchId, ok := pathId(c, "batchId")
		if !ok {
			return
		}
		status, err := models.GetBatchJobStatus(c.Request.Context(), a.db(), batchId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func (a *app) triggerReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batchId, ok := pathId(c, "batchId")
		if !ok {
			return
		}
		job, err := models.RequestBatchReconcile(c.Request.Context(), a.db(), batchId, correlationId(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"batchId": batchId,
			"jobId":   job.ID,
			"message": "Reconciliation triggered successfully",
		})
	}
}

// resultView is a result with its uploaded record and matched reference record.
type resultView struct {
	models.ReconciliationResult
	Record          *models.Record `json:"record"`
	ReferenceRecord *models.Record `json:"reference_record"`
}

// loadResultViews loads a batch's results with their records through the request loaders.
func (a *app) loadResultViews(ctx context.Context, batchId int) (*models.Batch, []resultView, error) {
	batch, err := models.GetBatch(ctx, a.db(), batchId)
	if err != nil {
		return nil, nil, err
	}
	results, err := models.ListBatchResults(ctx, a.db(), batchId)
	if err != nil {
		return nil, nil, err
	}

	recordIds := make([]int, len(results))
	referenceIds := make([]int, 0, len(results))
	for i, r := range results {
		recordIds[i] = r.RecordId
		if r.ReferenceRecordId != nil {
			referenceIds = append(referenceIds, *r.ReferenceRecordId)
		}
	}
	records, errs := middlewares.GetRecords(ctx, recordIds)
	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}
	references, refErrs := middlewares.GetRecords(ctx, referenceIds)

	views := make([]resultView, len(results))
	ref := 0
	for i, r := range results {
		views[i] = resultView{ReconciliationResult: r, Record: records[i]}
		if r.ReferenceRecordId == nil {
			continue
		}
		// A replaced reference set leaves results pointing at deleted rows until the next run.
		var loadErr error
		if len(refErrs) > 0 {
			loadErr = refErrs[ref]
		}
		if loadErr == nil {
			views[i].ReferenceRecord = references[ref]
		} else if !errors.Is(loadErr, models.ErrNotFound) {
			return nil, nil, loadErr
		}
		ref++
	}
	return batch, views, nil
}

func (a *app) batchResultsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batchId, ok := pathId(c, "batchId")
		if !ok {
			return
		}
		_, views, err := a.loadResultViews(c.Request.Context(), batchId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, views)
	}
}

func (a *app) exportResultsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batchId, ok := pathId(c, "batchId")
		if !ok {
			return
		}
		batch, views, err := a.loadResultViews(c.Request.Context(), batchId)
		if err != nil {
			respondError(c, err)
			return
		}
		rows := make([]reports.ResultRow, len(views))
		for i, v := range views {
			rows[i] = reports.ResultRow{Result: v.ReconciliationResult, Record: v.Record, Reference: v.ReferenceRecord}
		}
		var buf bytes.Buffer
		if err := reports.WriteResultsWorkbook(&buf, *batch, rows); err != nil {
			respondError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=batch-%d-results.xlsx", batch.ID))
		c.Data(http.StatusOK, reports.ContentTypeXLSX, buf.Bytes())
	}
}

type correctionRequest struct {
	CorrectionData map[string]any `json:"correctionData"`
}

func (a *app) correctHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		resultId, ok := pathId(c, "resultId")
		if !ok {
			return
		}
		var req correctionRequest
		decoder := json.NewDecoder(c.Request.Body)
		decoder.UseNumber()
		if err := decoder.Decode(&req); err != nil || req.CorrectionData == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "correctionData is required"})
			return
		}
		actor, _ := utils.GetUserIdFromContext(ctx)
		result, err := a.eng().Corrector.Correct(ctx, resultId, req.CorrectionData, actor)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "Record corrected and re-reconciled",
			"result":  result,
		})
	}
}

func (a *app) summaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := models.GetSummary(c.Request.Context(), a.db())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// auditView is an audit entry with the record it belongs to.
type auditView struct {
	models.AuditEntry
	Record *models.Record `json:"record"`
}

func (a *app) auditListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		entries, err := models.ListRecentAudit(ctx, a.db(), config.AuditListLimit())
		if err != nil {
			respondError(c, err)
			return
		}
		recordIds := make([]int, len(entries))
		for i, e := range entries {
			recordIds[i] = e.RecordId
		}
		records, errs := middlewares.GetRecords(ctx, recordIds)
		views := make([]auditView, len(entries))
		for i, e := range entries {
			views[i] = auditView{AuditEntry: e}
			// Entries outlive records replaced by a re-ingest.
			var loadErr error
			if len(errs) > 0 {
				loadErr = errs[i]
			}
			if loadErr == nil {
				views[i].Record = records[i]
			} else if !errors.Is(loadErr, models.ErrNotFound) {
				respondError(c, loadErr)
				return
			}
		}
		c.JSON(http.StatusOK, views)
	}
}

func (a *app) recordAuditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		recordId, ok := pathId(c, "recordId")
		if !ok {
			return
		}
		entries, err := middlewares.GetRecordAudit(c.Request.Context(), recordId)
		if err != nil {
			respondError(c, err)
			return
		}
		if entries == nil {
			entries = []*models.AuditEntry{}
		}
		c.JSON(http.StatusOK, entries)
	}
}

func (a *app) outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		replayed, err := models.ResetDeadBatchJobs(c.Request.Context(), a.db())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"replayed":       replayed,
			"publish_status": models.OutboxPublishStatusPending,
		})
	}
}
