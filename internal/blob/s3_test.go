package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"syscall"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

func TestKeyLayout(t *testing.T) {
	if got := OriginalKey("u1", "f1", "txt"); got != "users/u1/files/f1/original.txt" {
		t.Errorf("OriginalKey = %q", got)
	}
	if got := ReportKey("u1", "f1"); got != "users/u1/files/f1/report.json" {
		t.Errorf("ReportKey = %q", got)
	}
	if got := RawOutputKey("u1", "f1"); got != "users/u1/files/f1/raw_llm_output.json" {
		t.Errorf("RawOutputKey = %q", got)
	}
}

type fakeS3 struct {
	objects map[string][]byte
	putErr  error
	getErr  error
	delErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	body, ok := f.objects[*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(body)))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.delErr != nil {
		return nil, f.delErr
	}
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3StoreRoundTrip(t *testing.T) {
	api := newFakeS3()
	store := NewWithAPI(api, "recap", 0)
	ctx := context.Background()

	if err := store.Put(ctx, "users/u1/files/f1/original.txt", []byte("hello world\n"), "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	text, err := store.GetText(ctx, "users/u1/files/f1/original.txt")
	if err != nil {
		t.Fatalf("GetText: %v", err)
	}
	if text != "hello world\n" {
		t.Errorf("GetText = %q", text)
	}

	if err := store.Delete(ctx, "users/u1/files/f1/original.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.GetText(ctx, "users/u1/files/f1/original.txt"); err == nil {
		t.Error("GetText after delete should fail")
	}
}

func TestStoreErrorCarriesStatus(t *testing.T) {
	api := newFakeS3()
	api.getErr = &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 429}},
		Err:      errors.New("slow down"),
	}
	store := NewWithAPI(api, "recap", 0)

	_, err := store.GetText(context.Background(), "k")
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("want *StoreError, got %T", err)
	}
	if se.Op != "get" || se.Key != "k" {
		t.Errorf("StoreError = %+v", se)
	}
	if se.Status != 429 {
		t.Errorf("Status = %d, want 429", se.Status)
	}
	if !se.Transient() {
		t.Error("429 should classify transient")
	}
}

func TestStoreErrorTransient(t *testing.T) {
	tests := []struct {
		name string
		err  *StoreError
		want bool
	}{
		{"status 503", &StoreError{Status: 503}, true},
		{"status 429", &StoreError{Status: 429}, true},
		{"status 404", &StoreError{Status: 404}, false},
		{"status 403", &StoreError{Status: 403}, false},
		{"conn reset", &StoreError{Err: syscall.ECONNRESET}, true},
		{"plain error", &StoreError{Err: errors.New("boom")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Transient(); got != tt.want {
				t.Errorf("Transient = %v, want %v", got, tt.want)
			}
		})
	}
}
