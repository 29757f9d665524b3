package integration

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CredentialsVersion is the current envelope version written by this worker.
const CredentialsVersion = 1

const credentialSchemaURL = "https://inbox-sentinel/schemas/credential.v1.json"

//go:embed schemas/credential.v1.json
var credentialSchemaJSON []byte

// ErrInvalidCredentials is returned when a decoded envelope does not match
// the credential schema.
var ErrInvalidCredentials = errors.New("invalid credential envelope")

// Credentials is the plaintext form of the sealed credential column.
type Credentials struct {
	Version      int       `json:"version"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
}

var compileCredentialSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(credentialSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse credential schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(credentialSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add credential schema: %w", err)
	}
	return c.Compile(credentialSchemaURL)
})

// EncodeCredentials serializes creds, stamping the current version.
func EncodeCredentials(creds Credentials) ([]byte, error) {
	creds.Version = CredentialsVersion
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrInvalidCredentials)
	}
	return json.Marshal(creds)
}

// DecodeCredentials validates data against the envelope schema and decodes it.
func DecodeCredentials(data []byte) (*Credentials, error) {
	sch, err := compileCredentialSchema()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return &creds, nil
}
