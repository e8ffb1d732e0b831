package pricing

import (
	"fmt"
	"net/url"
	"strings"
)

// SearchQuery holds everything needed to build one search results URL.
type SearchQuery struct {
	BaseURL     string
	Destination string
	Stay        StayWindow
	Adults      int
}

// URL renders the search results URL: spaces in the destination become "-" and
// commas become "--" before path escaping.
func (q SearchQuery) URL() string {
	dest := strings.TrimSpace(q.Destination)
	dest = strings.ReplaceAll(dest, " ", "-")
	dest = strings.ReplaceAll(dest, ",", "--")

	values := url.Values{}
	values.Set("checkin", q.Stay.CheckIn.Format(DateLayout))
	values.Set("checkout", q.Stay.CheckOut.Format(DateLayout))
	values.Set("adults", fmt.Sprint(q.Adults))
	values.Set("children", "0")
	values.Set("infants", "0")
	values.Set("pets", "0")

	base := strings.TrimRight(q.BaseURL, "/")
	return fmt.Sprintf("%s/s/%s/homes?%s", base, url.PathEscape(dest), values.Encode())
}
