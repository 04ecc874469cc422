package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	"github.com/smallbiznis/cartera/internal/spreadsheet"
	"go.uber.org/zap"
)

const (
	formFile = "file"

	// room for multipart boundaries and the scope fields
	multipartOverhead = 64 << 10
)

func datasetParam(c *gin.Context) (domain.Dataset, error) {
	return domain.ParseDataset(c.Param("dataset"))
}

// UploadDataset replaces every active record of the scope named by the form
// with the valid rows of the uploaded file. Records in the scope that the
// file omits are removed; the response reports how many were deleted.
func (s *Server) UploadDataset(c *gin.Context) {
	dataset, err := datasetParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.parseUploadForm(c); err != nil {
		AbortWithError(c, err)
		return
	}

	insurerID, err := snowflakeParam(c.PostForm("insurer_id"), "insurer_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	periodID, err := snowflakeParam(c.PostForm("period_id"), "period_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	providerID, err := snowflakeParam(c.PostForm("provider_id"), "provider_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	header, err := c.FormFile(formFile)
	if err != nil {
		AbortWithError(c, newValidationError("file", "required", "file is required"))
		return
	}
	data, err := s.readUpload(header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	outcome, err := s.reconciliation.Upload(c.Request.Context(), domain.UploadRequest{
		Dataset:    dataset,
		InsurerID:  insurerID,
		PeriodID:   periodID,
		ProviderID: providerID,
		Filename:   header.Filename,
		Data:       data,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": outcome})
}

// parseUploadForm caps the request body before the multipart form is parsed
// so an oversized upload is refused without being spooled. Other parse
// errors are left to the field checks that follow.
func (s *Server) parseUploadForm(c *gin.Context) error {
	if limit := s.cfg.Upload.MaxBytes; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}
	_, err := c.MultipartForm()
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return spreadsheet.ErrFileTooLarge
	}
	return nil
}

// readUpload reads at most one byte past the configured limit so the parser
// can reject oversized files without buffering them whole.
func (s *Server) readUpload(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, invalidRequestError()
	}
	defer f.Close()

	var r io.Reader = f
	if limit := s.cfg.Upload.MaxBytes; limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		s.log.Warn("read upload failed", zap.Error(err))
		return nil, invalidRequestError()
	}
	return data, nil
}

func (s *Server) GetDatasetStatus(c *gin.Context) {
	dataset, err := datasetParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	year, err := parseOptionalInt(c.Query("year"))
	if err != nil {
		AbortWithError(c, domain.ErrInvalidYear)
		return
	}

	cells, err := s.reconciliation.Status(c.Request.Context(), domain.StatusRequest{Dataset: dataset, Year: year})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": cells})
}

func (s *Server) ListRecords(c *gin.Context) {
	dataset, err := datasetParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	filter, err := recordFilter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	records, err := s.reconciliation.ListRecords(c.Request.Context(), domain.ListRecordsRequest{Dataset: dataset, Filter: filter})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": records})
}

// DeleteRecords removes every active record of the insurer and period,
// narrowed to one provider when provider_id is given.
func (s *Server) DeleteRecords(c *gin.Context) {
	dataset, err := datasetParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	filter, err := recordFilter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	deleted, err := s.reconciliation.Delete(c.Request.Context(), domain.DeleteRequest{
		Dataset:    dataset,
		InsurerID:  filter.InsurerID,
		PeriodID:   filter.PeriodID,
		ProviderID: filter.ProviderID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted_count": deleted}})
}

type upsertRecordRequest struct {
	InsurerID  string                     `json:"insurer_id"`
	PeriodID   string                     `json:"period_id"`
	ProviderID string                     `json:"provider_id"`
	Values     map[string]json.RawMessage `json:"values"`
}

func (s *Server) UpsertRecord(c *gin.Context) {
	dataset, err := datasetParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req upsertRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	insurerID, err := snowflakeParam(req.InsurerID, "insurer_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	periodID, err := snowflakeParam(req.PeriodID, "period_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	providerID, err := snowflakeParam(req.ProviderID, "provider_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.reconciliation.Upsert(c.Request.Context(), domain.UpsertRequest{
		Dataset:    dataset,
		InsurerID:  insurerID,
		PeriodID:   periodID,
		ProviderID: providerID,
		Values:     rawValues(req.Values),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func recordFilter(c *gin.Context) (domain.Filter, error) {
	insurerID, err := snowflakeParam(c.Query("insurer_id"), "insurer_id")
	if err != nil {
		return domain.Filter{}, err
	}
	periodID, err := snowflakeParam(c.Query("period_id"), "period_id")
	if err != nil {
		return domain.Filter{}, err
	}
	providerID, err := snowflakeParam(c.Query("provider_id"), "provider_id")
	if err != nil {
		return domain.Filter{}, err
	}
	return domain.Filter{InsurerID: insurerID, PeriodID: periodID, ProviderID: providerID}, nil
}

// rawValues flattens JSON values to the text a spreadsheet cell would hold:
// strings are unquoted, numbers are written in plain decimal form, null is
// empty.
func rawValues(in map[string]json.RawMessage) map[string]string {
	out := make(map[string]string, len(in))
	for field, raw := range in {
		text := strings.TrimSpace(string(raw))
		if text == "null" {
			out[field] = ""
			continue
		}
		var str string
		if err := json.Unmarshal(raw, &str); err == nil {
			out[field] = str
			continue
		}
		out[field] = numberText(text)
	}
	return out
}

// numberText expands a JSON number literal. A fraction of exactly three
// digits gets a trailing zero so "12.345" is not read as grouped thousands.
func numberText(text string) string {
	d, err := decimal.NewFromString(text)
	if err != nil {
		return text
	}
	out := d.String()
	if i := strings.IndexByte(out, '.'); i >= 0 && len(out)-i-1 == 3 {
		out += "0"
	}
	return out
}
