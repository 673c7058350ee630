package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chaos-io/bgstudio/codec"
	"github.com/chaos-io/bgstudio/composite"
	"github.com/chaos-io/bgstudio/composite/rembg"
	"github.com/chaos-io/bgstudio/pipeline"
)

const greeting = "Hello Sales Studio!"

// errBadRequest marks client mistakes that are not decode failures.
var errBadRequest = errors.New("bad request")

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": greeting})
}

func (s *Server) ready(c *gin.Context) {
	if s.checker == nil {
		c.JSON(http.StatusOK, gin.H{"healthy": true})
		return
	}
	st := s.checker.Status()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

// processImage re-encodes losslessly unless ?background= asks for more.
func (s *Server) processImage(c *gin.Context) {
	mode, err := composite.ParseMode(c.Query("background"))
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	s.process(c, mode)
}

func (s *Server) processWhite(c *gin.Context) {
	s.process(c, composite.ModeWhite)
}

func (s *Server) processBlur(c *gin.Context) {
	s.process(c, composite.ModeBlur)
}

func (s *Server) process(c *gin.Context, mode composite.Mode) {
	format, quality, err := outputOverrides(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	upload, err := s.openUpload(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer func() {
		_ = upload.Close()
	}()

	req, err := s.pipeline.DecodeRequest(upload, mode)
	if err != nil {
		s.fail(c, err)
		return
	}
	req.Format = format
	req.Quality = quality
	if mode == composite.ModeBlur {
		req.Radius = s.cfg.Pipeline.BlurRadius
	}

	res, err := s.pipeline.Process(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="processed_image%s"`, res.Format.Extension()))
	c.Data(http.StatusOK, res.ContentType(), res.Data)
	s.logger.DebugContext(c.Request.Context(), "stage",
		"request_id", pipeline.RequestIDFromContext(c.Request.Context()),
		"stage", pipeline.Responded.String())
}

// openUpload returns the "file" form field of a multipart request, or the raw
// body for anything else. Both are capped at MaxUploadBytes.
func (s *Server) openUpload(c *gin.Context) (io.ReadCloser, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Server.MaxUploadBytes)

	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		return c.Request.Body, nil
	}

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: form field \"file\": %v", errBadRequest, err)
	}
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	return f, nil
}

func outputOverrides(c *gin.Context) (codec.Format, int, error) {
	var (
		format  codec.Format
		quality int
		err     error
	)
	if v := c.Query("format"); v != "" {
		if format, err = codec.ParseFormat(v); err != nil {
			return "", 0, fmt.Errorf("%w: %v", errBadRequest, err)
		}
	}
	if v := c.Query("quality"); v != "" {
		quality, err = strconv.Atoi(v)
		if err != nil || quality < 1 || quality > 100 {
			return "", 0, fmt.Errorf("%w: quality must be an integer between 1 and 100", errBadRequest)
		}
	}
	return format, quality, nil
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{"error": publicMessage(code, err)})
}

func statusFor(err error) int {
	var (
		tooLarge *http.MaxBytesError
		decErr   *codec.DecodeError
		segErr   *rembg.Error
	)
	switch {
	case errors.As(err, &tooLarge), errors.Is(err, codec.ErrTooManyPixels):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest), errors.As(err, &decErr):
		return http.StatusBadRequest
	case errors.As(err, &segErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps internal details out of 5xx bodies; they are logged.
func publicMessage(code int, err error) string {
	switch {
	case code == http.StatusBadGateway:
		return "background removal failed"
	case code >= 500:
		return "internal error"
	default:
		return err.Error()
	}
}
