package confluence

// Wire shapes of the Confluence REST API. Only the fields the harvester
// reads are declared.

type links struct {
	Self    string `json:"self"`
	Base    string `json:"base"`
	Context string `json:"context"`
	// Next is the path of the next page, present only when there is one.
	Next   string `json:"next"`
	WebUI  string `json:"webui"`
	TinyUI string `json:"tinyui"`
}

type space struct {
	ID    int64  `json:"id"`
	Key   string `json:"key"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Links links  `json:"_links"`
}

type bodyValue struct {
	Value          string `json:"value"`
	Representation string `json:"representation"`
}

type body struct {
	ExportView *bodyValue `json:"export_view"`
	View       *bodyValue `json:"view"`
}

type spaceRef struct {
	Key string `json:"key"`
}

type content struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Title  string `json:"title"`
	Body   *body  `json:"body"`
	// Ancestors are ordered root to leaf, starting with the space home page.
	Ancestors []content `json:"ancestors"`
	Space     *spaceRef `json:"space"`
	Links     links     `json:"_links"`
}

type response[T any] struct {
	Results   []T   `json:"results"`
	Start     int   `json:"start"`
	Limit     int   `json:"limit"`
	Size      int   `json:"size"`
	TotalSize *int  `json:"totalSize"`
	Links     links `json:"_links"`
}
