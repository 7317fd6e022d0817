// Package s3test runs an in-memory, path-style S3 endpoint for tests.
package s3test

import (
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/imamik/vmpilot/internal/platform/s3"
)

// Server is an in-memory object store speaking enough of the S3 protocol for
// bucket head/create and object put/get/list/delete.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	buckets  map[string]map[string][]byte
	failPuts bool
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{buckets: make(map[string]map[string][]byte)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Config returns a client configuration pointing at the server.
func (s *Server) Config(bucket string) s3.Config {
	return s3.Config{
		Endpoint:  s.URL,
		Region:    "fsn1",
		Bucket:    bucket,
		AccessKey: "test-key",
		SecretKey: "test-secret",
		PathStyle: true,
	}
}

// FailPuts makes every object PUT return AccessDenied.
func (s *Server) FailPuts(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = fail
}

// Object returns a stored object.
func (s *Server) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.buckets[bucket][key]
	return data, ok
}

// Keys lists the keys stored in bucket.
func (s *Server) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	objects, exists := s.buckets[bucket]
	if key == "" {
		switch r.Method {
		case http.MethodHead:
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			if !exists {
				s.buckets[bucket] = make(map[string][]byte)
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			if !exists {
				writeError(w, http.StatusNotFound, "NoSuchBucket")
				return
			}
			s.list(w, bucket, objects, r.URL.Query().Get("prefix"))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if !exists {
		writeError(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	switch r.Method {
	case http.MethodPut:
		if s.failPuts {
			writeError(w, http.StatusForbidden, "AccessDenied")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		objects[key] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := objects[key]
		if !ok {
			writeError(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodDelete:
		delete(objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	} `xml:"Contents"`
}

func (s *Server) list(w http.ResponseWriter, bucket string, objects map[string][]byte, prefix string) {
	res := listResult{Name: bucket, Prefix: prefix}
	keys := make([]string, 0, len(objects))
	for k := range objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		res.Contents = append(res.Contents, struct {
			Key  string `xml:"Key"`
			Size int    `xml:"Size"`
		}{Key: k, Size: len(objects[k])})
	}
	res.KeyCount = len(keys)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(res)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header + "<Error><Code>" + code + "</Code><Message>" + code + "</Message></Error>"))
}
