package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/price-engine/internal/engine"
	"github.com/nulpointcorp/price-engine/pkg/apierr"
)

type searchRequest struct {
	ProductName  string `json:"product_name"`
	CurrentPrice int64  `json:"current_price"`
	CurrentURL   string `json:"current_url"`
	ProductCode  string `json:"product_code"`
}

// searchData is the success payload: the engine result plus the comparison
// against the caller's current price. PriceTrend is always present so
// clients can bind to it; history aggregation fills it in a later milestone.
type searchData struct {
	ProductName  string         `json:"product_name"`
	ProductID    string         `json:"product_id"`
	IsCheaper    bool           `json:"is_cheaper"`
	PriceDiff    int64          `json:"price_diff"`
	LowestPrice  int64          `json:"lowest_price"`
	Link         string         `json:"link"`
	Mall         string         `json:"mall"`
	FreeShipping bool           `json:"free_shipping"`
	TopPrices    []engine.Offer `json:"top_prices"`
	PriceTrend   []int64        `json:"price_trend"`
	Source       engine.Source  `json:"source"`
	ElapsedMS    int64          `json:"elapsed_ms"`
}

type searchSuccess struct {
	Status  string     `json:"status"` // always "success"
	Data    searchData `json:"data"`
	Message string     `json:"message"`
}

type searchFailure struct {
	Status    string `json:"status"` // always "error"
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func (s *Server) handleSearch(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)

	var req searchRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.ProductName == "" {
		apierr.WriteInvalidRequest(ctx, "field 'product_name' is required")
		return
	}

	q := engine.Query{
		ProductName:  req.ProductName,
		CurrentPrice: req.CurrentPrice,
		CurrentURL:   req.CurrentURL,
		ProductCode:  req.ProductCode,
	}

	s.log.InfoContext(ctx, "search_request",
		slog.String("request_id", reqID),
		slog.String("product_name", req.ProductName),
		slog.Int64("current_price", req.CurrentPrice),
	)

	res, err := s.engine.Search(ctx, q)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidQuery) {
			apierr.WriteInvalidRequest(ctx, err.Error())
			return
		}
		s.log.ErrorContext(ctx, "search_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx, "search failed")
		return
	}

	if res.Status.Success() {
		data := searchData{
			ProductName:  res.ProductName,
			ProductID:    res.ProductID,
			LowestPrice:  res.LowestPrice,
			Link:         res.Link,
			Mall:         res.Mall,
			FreeShipping: res.FreeShipping,
			TopPrices:    res.TopOffers,
			PriceTrend:   []int64{},
			Source:       res.Source,
			ElapsedMS:    res.ElapsedMS,
		}
		if req.CurrentPrice > 0 {
			data.PriceDiff = req.CurrentPrice - res.LowestPrice
			data.IsCheaper = data.PriceDiff > 0
		}
		writeJSON(ctx, searchSuccess{
			Status:  "success",
			Data:    data,
			Message: fmt.Sprintf("lowest price found via %s", res.Source),
		})
		return
	}

	code, errCode := statusHTTP(res.Status)
	ctx.SetStatusCode(code)
	if res.Status == engine.StatusBlocked {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	writeJSON(ctx, searchFailure{
		Status:    "error",
		ErrorCode: errCode,
		Message:   res.Reason,
		ElapsedMS: res.ElapsedMS,
	})
}

// statusHTTP maps a terminal failure status onto the HTTP code and the
// error_code field. Every recoverable failure is 503: the engine is healthy,
// the answer is just not available right now.
func statusHTTP(st engine.Status) (int, string) {
	switch st {
	case engine.StatusNotFound, engine.StatusNoResults:
		return fasthttp.StatusServiceUnavailable, apierr.CodeProductNotFound
	case engine.StatusTimeout, engine.StatusBudgetExhausted:
		return fasthttp.StatusServiceUnavailable, apierr.CodeTimeout
	case engine.StatusBlocked:
		return fasthttp.StatusServiceUnavailable, apierr.CodeBlocked
	default:
		return fasthttp.StatusInternalServerError, apierr.CodeInternalError
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := s.health.Snapshot()
	snap.Version = s.version
	if snap.Status != "healthy" {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, snap)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// queryInt reads an integer query parameter with a default and bounds.
func queryInt(ctx *fasthttp.RequestCtx, name string, def, min, max int) int {
	v, err := ctx.QueryArgs().GetUint(name)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func queryWindow(ctx *fasthttp.RequestCtx) time.Duration {
	hours := queryInt(ctx, "hours", 24, 1, 24*30)
	return time.Duration(hours) * time.Hour
}
