package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

func TestNew(t *testing.T) {
	_, err := New(&Config{Endpoint: "localhost:9000"})
	require.Error(t, err)

	a, err := New(&Config{Endpoint: "localhost:9000", Bucket: "results"})
	require.NoError(t, err)
	assert.Equal(t, "translations/job-1.txt", a.ObjectKey("job-1"))

	a, err = New(&Config{Endpoint: "localhost:9000", Bucket: "results", Prefix: "docs/2026"})
	require.NoError(t, err)
	assert.Equal(t, "docs/2026/job-1.txt", a.ObjectKey("job-1"))
}

func TestArchive_Put(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotType   string
		gotBody   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		gotBody = buf.String()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := New(&Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Region:    "us-east-1",
		Bucket:    "results",
	})
	require.NoError(t, err)

	key, err := a.Put(context.Background(), domain.Snapshot{
		JobID:             "job-1",
		Status:            domain.JobStatusCompleted,
		TranslatedContent: "xin chao the gioi",
	})
	require.NoError(t, err)

	assert.Equal(t, "translations/job-1.txt", key)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/results/translations/job-1.txt", gotPath)
	assert.Equal(t, "text/plain; charset=utf-8", gotType)
	assert.Contains(t, gotBody, "xin chao the gioi")
}

func TestArchive_PutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied.</Message></Error>`))
	}))
	defer srv.Close()

	a, err := New(&Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "wrong",
		Region:    "us-east-1",
		Bucket:    "results",
	})
	require.NoError(t, err)

	_, err = a.Put(context.Background(), domain.Snapshot{JobID: "job-1", TranslatedContent: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job-1")
}
