package proofs

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct{ in *s3.PutObjectInput }

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	return &s3.PutObjectOutput{}, nil
}

func TestPutReturnsBucketURL(t *testing.T) {
	fp := &fakePutter{}
	st := NewS3StoreWithClient(fp, S3Config{Bucket: "proofs", Region: "af-south-1"})
	url, err := st.Put(context.Background(), "collections/k1/a.jpg", "image/jpeg", strings.NewReader("img"), 3)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://proofs.s3.af-south-1.amazonaws.com/collections/k1/a.jpg" {
		t.Fatalf("unexpected url %s", url)
	}
	if aws.ToString(fp.in.ContentType) != "image/jpeg" || aws.ToInt64(fp.in.ContentLength) != 3 {
		t.Fatalf("unexpected input %+v", fp.in)
	}
}

func TestPutPrefersCloudFront(t *testing.T) {
	st := NewS3StoreWithClient(&fakePutter{}, S3Config{Bucket: "proofs", Region: "af-south-1", CloudFrontDomain: "cdn.example.com"})
	url, _ := st.Put(context.Background(), "k.png", "image/png", strings.NewReader(""), 0)
	if url != "https://cdn.example.com/k.png" {
		t.Fatalf("unexpected url %s", url)
	}
}
