// Package supervisor is a minimal XML-RPC client for the subset of the
// supervisord control API the lifecycle controller needs: stopping,
// starting, and inspecting the supervised registry process around garbage
// collection.
//
// No XML-RPC client ships in the retrieval pack's dependency set, so this
// talks the wire protocol directly over net/http and encoding/xml rather
// than pulling in an unrelated third-party client (see DESIGN.md).
package supervisor

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/portalcrane/portalcrane/pkg/util"
)

// Client talks to a supervisord XML-RPC endpoint.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// New builds a Client against rpcURL with a sane default timeout.
func New(rpcURL string) *Client {
	return &Client{
		URL:        rpcURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type methodCall struct {
	XMLName    xml.Name `xml:"methodCall"`
	MethodName string   `xml:"methodName"`
	Params     []param  `xml:"params>param"`
}

type param struct {
	Value value `xml:"value"`
}

type value struct {
	String string `xml:"string,omitempty"`
	Int    *int   `xml:"int,omitempty"`
}

type methodResponse struct {
	XMLName xml.Name `xml:"methodResponse"`
	Params  []param  `xml:"params>param"`
	Fault   *fault   `xml:"fault"`
}

type fault struct {
	Value faultStruct `xml:"value>struct"`
}

type faultStruct struct {
	Members []struct {
		Name  string `xml:"name"`
		Value value  `xml:"value"`
	} `xml:"member"`
}

func (c *Client) call(ctx context.Context, method string, args ...string) (*methodResponse, error) {
	call := methodCall{MethodName: method}
	for _, a := range args {
		call.Params = append(call.Params, param{Value: value{String: a}})
	}

	body, err := xml.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("supervisor: encoding request: %w", err)
	}
	body = append([]byte(xml.Header), body...)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("supervisor: building request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, util.Wrap(util.KindUpstreamUnreachable, err, "supervisor RPC unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("supervisor: reading response: %w", err)
	}

	var mr methodResponse
	if err := xml.Unmarshal(raw, &mr); err != nil {
		return nil, fmt.Errorf("supervisor: decoding response: %w", err)
	}
	if mr.Fault != nil {
		return nil, fmt.Errorf("supervisor: %s faulted", method)
	}
	return &mr, nil
}

// StopProcess asks supervisord to stop the named process.
func (c *Client) StopProcess(ctx context.Context, name string) error {
	_, err := c.call(ctx, "supervisor.stopProcess", name)
	return err
}

// StartProcess asks supervisord to start the named process.
func (c *Client) StartProcess(ctx context.Context, name string) error {
	_, err := c.call(ctx, "supervisor.startProcess", name)
	return err
}

// ProcessInfo calls getProcessInfo for the named process. running is true
// whenever the RPC succeeds; the returned process state is not inspected,
// so a stopped process also reports true. A failed RPC returns its error.
func (c *Client) ProcessInfo(ctx context.Context, name string) (running bool, err error) {
	_, err = c.call(ctx, "supervisor.getProcessInfo", name)
	if err != nil {
		return false, err
	}
	return true, nil
}
