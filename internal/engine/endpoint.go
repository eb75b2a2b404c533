package engine

import (
	"fmt"
	"strings"
)

// Kind discriminates endpoint flavors.
type Kind int

const (
	KindLocal Kind = iota
	KindSSH
	KindS3
)

// Endpoint is one side of a transfer: a local directory, an SSH
// host:path pair, or an S3 bucket/prefix pair.
type Endpoint struct {
	Kind   Kind
	Host   string // SSH destination ("user@host"), empty otherwise
	Path   string // local path, remote path, or S3 key prefix
	Bucket string // S3 only
}

// Local wraps a local directory path.
func Local(path string) Endpoint {
	return Endpoint{Kind: KindLocal, Path: path}
}

// ParseRemote builds the remote endpoint from a profile's remote_host
// and remote_path fields. An "s3://bucket" host selects the S3 flavor;
// anything else is treated as an SSH destination.
func ParseRemote(host, path string) (Endpoint, error) {
	if host == "" {
		return Endpoint{}, fmt.Errorf("empty remote host")
	}
	if path == "" {
		return Endpoint{}, fmt.Errorf("empty remote path")
	}

	if strings.HasPrefix(host, "s3://") {
		bucket := strings.TrimPrefix(host, "s3://")
		if bucket == "" || strings.Contains(bucket, "/") {
			return Endpoint{}, fmt.Errorf("invalid S3 remote host %q: want s3://bucket", host)
		}
		return Endpoint{
			Kind:   KindS3,
			Bucket: bucket,
			Path:   strings.Trim(path, "/"),
		}, nil
	}

	if strings.ContainsAny(host, "/ ") {
		return Endpoint{}, fmt.Errorf("invalid SSH remote host %q", host)
	}
	return Endpoint{Kind: KindSSH, Host: host, Path: path}, nil
}

// String renders the endpoint for logs and engine arguments.
func (e Endpoint) String() string {
	switch e.Kind {
	case KindSSH:
		return e.Host + ":" + e.Path
	case KindS3:
		if e.Path == "" {
			return "s3://" + e.Bucket
		}
		return "s3://" + e.Bucket + "/" + e.Path
	default:
		return e.Path
	}
}
