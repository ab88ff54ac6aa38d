// Package mjapi provides a client for the MJAPI mahjong bot service.
//
// MJAPI hosts mjai-compatible bots behind a small JSON-over-HTTP API:
// account management under /user and bot control under /mjai. The service
// enforces a per-user rate limit, so this client sends every call over one
// keep-alive connection and lets only one request be in flight at a time.
// Goroutines calling the same Client are queued in lock order.
//
// # Basic Usage
//
//	client := mjapi.NewClient(&mjapi.ClientConfig{
//	    BaseURL: "https://mjai.example.com",
//	    Timeout: 5 * time.Second,
//	})
//	defer client.Close()
//
//	if err := client.Login(ctx, name, secret); err != nil {
//	    return err
//	}
//	if _, err := client.StartBot(ctx, seat, 3, "mortal"); err != nil {
//	    return err
//	}
//	defer client.StopBot(ctx)
//
//	reaction, err := client.Act(ctx, seq, event)
//
// # Action Results
//
// Act and Batch return one of three shapes:
//   - nil: the bot has no reaction for this sequence number
//   - the reaction object, e.g. {"type":"dahai","actor":0,"pai":"1m"}
//   - the server's error payload, e.g. {"error":"rate limited"}
//
// The third case is not returned as an error. Check Payload.HasError.
//
// # Error Handling
//
// Query calls return *APIError for {"error": ...} payloads on non-2xx
// responses. Login and Trial return *AuthenticationError when no identity
// comes back. Responses that cannot be interpreted yield *ProtocolError and
// network failures *TransportError:
//
//	if _, err := client.GetUsage(ctx); err != nil {
//	    var apiErr *mjapi.APIError
//	    if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
//	        // back off before the next call
//	    }
//	}
//
// The client does not retry.
package mjapi
