package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/workletforge/studio/internal/model"
)

const maxUploadSize = 50 * 1024 * 1024 // 50MB

// parseGenerateForm reads the multipart creation form. Structural problems
// (unreadable count, links or files) are reported as errors; field rules are
// left to the validator.
func parseGenerateForm(c *fiber.Ctx) (model.GenerateForm, error) {
	form := model.GenerateForm{
		ThreadName:   strings.TrimSpace(c.FormValue("thread_name")),
		ClusterID:    strings.TrimSpace(c.FormValue("cluster_id", "default")),
		CustomPrompt: strings.TrimSpace(c.FormValue("custom_prompt")),
		Links:        []string{},
	}

	if raw := strings.TrimSpace(c.FormValue("count")); raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil {
			return form, fmt.Errorf("count must be an integer")
		}
		form.Count = count
	}

	if raw := strings.TrimSpace(c.FormValue("links")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &form.Links); err != nil {
			return form, fmt.Errorf("links must be a JSON array of strings")
		}
	}

	mf, err := c.MultipartForm()
	if err != nil {
		// url-encoded bodies carry no files
		if strings.Contains(err.Error(), "multipart/form-data") {
			return form, nil
		}
		return form, err
	}
	for _, fh := range mf.File["files"] {
		if fh.Size > maxUploadSize {
			return form, fmt.Errorf("file %s exceeds the 50MB limit", fh.Filename)
		}
		f, err := fh.Open()
		if err != nil {
			return form, fmt.Errorf("failed to open %s", fh.Filename)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return form, fmt.Errorf("failed to read %s", fh.Filename)
		}
		form.Files = append(form.Files, model.Attachment{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return form, nil
}
