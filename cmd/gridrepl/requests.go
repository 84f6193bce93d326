package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gridrepl/gridrepl/internal/rms"
)

// requestsFile is the YAML document read by optimize and run.
type requestsFile struct {
	Requests []*rms.Request `yaml:"requests"`
}

// loadRequests reads new requests from a YAML file. Missing statuses
// default to Queued for operations and Waiting for files.
func loadRequests(path string) ([]*rms.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read requests file: %w", err)
	}
	return parseRequests(data)
}

func parseRequests(data []byte) ([]*rms.Request, error) {
	var f requestsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse requests file: %w", err)
	}
	for i, req := range f.Requests {
		if req == nil {
			return nil, fmt.Errorf("requests[%d] is empty", i)
		}
		if req.ID != 0 {
			return nil, fmt.Errorf("request %q: id must not be set on new requests", req.Name)
		}
		if len(req.Operations) == 0 {
			return nil, fmt.Errorf("request %q has no operations", req.Name)
		}
		for j, op := range req.Operations {
			if op.Type == "" {
				return nil, fmt.Errorf("request %q: operations[%d].type is required", req.Name, j)
			}
			if op.Status == "" {
				op.Status = rms.StatusQueued
			}
			for _, f := range op.Files {
				if f.Status == "" {
					f.Status = rms.StatusWaiting
				}
			}
		}
	}
	return f.Requests, nil
}
