// Package remoteapi is the client for the remote helper API that the panel
// delegates authentication and authorization to (spec.md §1, §6). The agent
// only executes — every admin/permission/SFTP-credential check is an opaque
// RPC call through this package.
package remoteapi

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"hightide/internal/agenterr"
)

// Client calls {remote}/api/nodes/helper/* per spec.md §6.
type Client struct {
	baseURL string
	uuid    string
	token   string
	logger  *log.Logger

	httpClient      *http.Client
	insecureClient  *http.Client // used only for the SFTP verification channel
}

// New creates a remote helper API client.
func New(baseURL, uuid, token string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stdout, "[remoteapi] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Client{
		baseURL: baseURL,
		uuid:    uuid,
		token:   token,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		insecureClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // spec.md §6: self-signed allowed for SFTP verification
			},
		},
	}
}

// SetToken swaps the token used for subsequent requests — called by the
// config hot-reload watcher when config.json's token field changes.
func (c *Client) SetToken(token string) { c.token = token }

// SetBaseURL swaps the remote base URL, mirroring SetToken.
func (c *Client) SetBaseURL(baseURL string) { c.baseURL = baseURL }

type fetchPortsRequest struct {
	UUID  string `json:"uuid"`
	Token string `json:"token"`
}

// FetchPortsResponse is the response to /fetch-ports, consulted only at
// configure time.
type FetchPortsResponse struct {
	Port int  `json:"port"`
	SFTP int  `json:"sftp"`
	SSL  bool `json:"ssl"`
}

// FetchPorts calls /fetch-ports.
func (c *Client) FetchPorts() (*FetchPortsResponse, error) {
	var resp FetchPortsResponse
	if err := c.post("/fetch-ports", fetchPortsRequest{UUID: c.uuid, Token: c.token}, &resp, c.httpClient); err != nil {
		return nil, err
	}
	return &resp, nil
}

type adminPermissionRequest struct {
	Token    string `json:"token"`
	UserUUID string `json:"userUuid"`
}

type adminPermissionResponse struct {
	IsAdmin bool `json:"isAdmin"`
}

// IsAdmin calls /admin-permission. On RemoteFailed it conservatively
// returns false (deny), per spec.md §7.
func (c *Client) IsAdmin(userUUID string) bool {
	var resp adminPermissionResponse
	if err := c.post("/admin-permission", adminPermissionRequest{Token: c.token, UserUUID: userUUID}, &resp, c.httpClient); err != nil {
		c.logger.Printf("admin-permission check failed, denying: %v", err)
		return false
	}
	return resp.IsAdmin
}

type permissionRequest struct {
	Token      string `json:"token"`
	UserUUID   string `json:"userUuid"`
	ServerUUID string `json:"serverUuid"`
}

type permissionResponse struct {
	Permission bool `json:"permission"`
}

// HasPermission calls /permission. On RemoteFailed it conservatively
// returns false (deny).
func (c *Client) HasPermission(userUUID, serverUUID string) bool {
	var resp permissionResponse
	if err := c.post("/permission", permissionRequest{Token: c.token, UserUUID: userUUID, ServerUUID: serverUUID}, &resp, c.httpClient); err != nil {
		c.logger.Printf("permission check failed, denying: %v", err)
		return false
	}
	return resp.Permission
}

type verifySFTPRequest struct {
	Token      string `json:"token"`
	UserName   string `json:"userName"`
	Password   string `json:"password"`
	ServerUUID string `json:"serverUuid"`
}

type verifySFTPResponse struct {
	Permission bool `json:"permission"`
}

// VerifySFTP calls /verify-sftp over the TLS-verification-disabled channel
// (spec.md §6: self-signed allowed).
func (c *Client) VerifySFTP(userName, password, serverUUID string) bool {
	var resp verifySFTPResponse
	req := verifySFTPRequest{Token: c.token, UserName: userName, Password: password, ServerUUID: serverUUID}
	if err := c.post("/verify-sftp", req, &resp, c.insecureClient); err != nil {
		c.logger.Printf("sftp verification failed, denying: %v", err)
		return false
	}
	return resp.Permission
}

func (c *Client) post(path string, body, out any, httpClient *http.Client) error {
	const op = "remoteapi.post"

	data, err := json.Marshal(body)
	if err != nil {
		return agenterr.New(agenterr.KindInputInvalid, op, err)
	}

	url := c.baseURL + "/api/nodes/helper" + path
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return agenterr.New(agenterr.KindRemoteFailed, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return agenterr.New(agenterr.KindRemoteFailed, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return agenterr.New(agenterr.KindRemoteFailed, op,
			fmt.Errorf("remote returned status %d for %s", resp.StatusCode, path))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return agenterr.New(agenterr.KindRemoteFailed, op, err)
	}
	return nil
}
