// Package policy models the capability grants that scope what a principal
// may do against a store.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/weiawesome/thumbing/pkg/storage"
)

// ErrAccessDenied is returned by a Guard for operations outside its grant.
var ErrAccessDenied = errors.New("access denied")

// Operation is a store capability.
type Operation string

const (
	Read  Operation = "Read"
	Write Operation = "Write"
)

var actions = map[Operation]string{
	Read:  "s3:GetObject",
	Write: "s3:PutObject",
}

// StoreARN returns the ARN of a bucket-backed store.
func StoreARN(bucket string) string {
	return "arn:aws:s3:::" + bucket
}

// Grant is the set of operations a principal holds on one store.
type Grant struct {
	Principal  string      `json:"principal"`
	StoreARN   string      `json:"storeArn"`
	Operations []Operation `json:"operations"`
}

// NewGrant returns the grant for principal on storeArn. Only object reads
// and writes are grantable and the grant covers every key in the store.
func NewGrant(principal, storeArn string, ops ...Operation) (Grant, error) {
	if principal == "" || storeArn == "" {
		return Grant{}, errors.New("principal and store ARN are required")
	}
	seen := make(map[Operation]bool, len(ops))
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if _, ok := actions[op]; !ok {
			return Grant{}, fmt.Errorf("unsupported operation %q", op)
		}
		if !seen[op] {
			seen[op] = true
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return Grant{Principal: principal, StoreARN: storeArn, Operations: out}, nil
}

// WorkerGrants returns the read/write grants the processing worker holds on
// each of the given buckets.
func WorkerGrants(principal string, buckets ...string) ([]Grant, error) {
	seen := make(map[string]bool, len(buckets))
	grants := make([]Grant, 0, len(buckets))
	for _, b := range buckets {
		if seen[b] {
			continue
		}
		seen[b] = true
		g, err := NewGrant(principal, StoreARN(b), Read, Write)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, nil
}

// Allows reports whether the grant includes op.
func (g Grant) Allows(op Operation) bool {
	for _, o := range g.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Resource is the object-level resource pattern the grant applies to.
func (g Grant) Resource() string {
	return g.StoreARN + "/*"
}

// Statement is one IAM policy statement.
type Statement struct {
	Sid      string   `json:"Sid,omitempty"`
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

// Document is an IAM-style identity policy.
type Document struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Render converts grants to a policy document with one statement per grant.
func Render(grants ...Grant) Document {
	doc := Document{Version: "2012-10-17", Statement: make([]Statement, 0, len(grants))}
	for i, g := range grants {
		acts := make([]string, 0, len(g.Operations))
		for _, op := range g.Operations {
			acts = append(acts, actions[op])
		}
		doc.Statement = append(doc.Statement, Statement{
			Sid:      fmt.Sprintf("ThumbingStore%d", i),
			Effect:   "Allow",
			Action:   acts,
			Resource: []string{g.Resource()},
		})
	}
	return doc
}

// JSON renders the document as indented JSON.
func (d Document) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Guard is a storage.Storage that only forwards operations allowed by grant.
type Guard struct {
	next  storage.Storage
	grant Grant
}

// NewGuard wraps next with grant.
func NewGuard(next storage.Storage, grant Grant) *Guard {
	return &Guard{next: next, grant: grant}
}

func (g *Guard) deny(op string, key string) error {
	return fmt.Errorf("%w: %s may not %s %s on %s", ErrAccessDenied, g.grant.Principal, op, key, g.grant.StoreARN)
}

func (g *Guard) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if !g.grant.Allows(Write) {
		return g.deny("write", key)
	}
	return g.next.Write(ctx, key, r, size, contentType)
}

func (g *Guard) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if !g.grant.Allows(Read) {
		return nil, g.deny("read", key)
	}
	return g.next.Read(ctx, key)
}

func (g *Guard) Exists(ctx context.Context, key string) (bool, error) {
	if !g.grant.Allows(Read) {
		return false, g.deny("read", key)
	}
	return g.next.Exists(ctx, key)
}

// List is never granted; listing a bucket is outside object-level access.
func (g *Guard) List(ctx context.Context, prefix string) ([]storage.FileInfo, error) {
	return nil, g.deny("list", prefix)
}
