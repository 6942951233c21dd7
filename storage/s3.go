package storage

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net/http"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	log "github.com/sirupsen/logrus"
)

// S3 is an implementation of Store backed by AWS S3. Keys are file paths
// relative to the served root and are used as object keys under prefix.
type S3 struct {
	profile string
	region  string
	bucket  string
	prefix  string

	mu     sync.Mutex
	client *s3.S3
}

func NewS3(profile, region, bucket, prefix string) *S3 {
	return &S3{
		profile: profile,
		region:  region,
		bucket:  bucket,
		prefix:  prefix,
	}
}

func (s *S3) objectKey(key []byte) string {
	return path.Join(s.prefix, string(key))
}

func (s *S3) Get(key []byte) (value []byte, err error) {
	if err := s.ensureClient(); err != nil {
		return nil, err
	}
	objectKey := s.objectKey(key)
	output, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if rfErr, ok := err.(awserr.RequestFailure); ok {
			if rfErr.StatusCode() == http.StatusNotFound {
				return nil, fmt.Errorf("%q: %w", objectKey, ErrNotFound)
			}
		}
		return nil, err
	}
	defer func() {
		if err := output.Body.Close(); err != nil {
			log.WithFields(log.Fields{
				"op":  "get",
				"key": objectKey,
			}).Warning("Could not close response body")
		}
	}()
	return ioutil.ReadAll(output.Body)
}

func (s *S3) Put(key, value []byte) (err error) {
	err = s.ensureClient()
	if err == nil {
		_, err = s.client.PutObject(&s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
			Body:   bytes.NewReader(value),
		})
	}
	return
}

func (s *S3) ensureClient() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(s.region),
		Credentials: credentials.NewSharedCredentials("", s.profile),
	})
	if err != nil {
		return err
	}
	s.client = s3.New(sess)
	return nil
}
