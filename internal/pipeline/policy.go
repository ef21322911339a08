package pipeline

// RetrievalStrategy selects which search sources a pass consults.
type RetrievalStrategy string

const (
	// RetrievalNone skips retrieval entirely.
	RetrievalNone RetrievalStrategy = "none"
	// RetrievalGeneral always queries the general web source.
	RetrievalGeneral RetrievalStrategy = "general"
	// RetrievalDomain always queries the domain source.
	RetrievalDomain RetrievalStrategy = "domain"
	// RetrievalRouted picks one source by keyword classification.
	RetrievalRouted RetrievalStrategy = "routed"
	// RetrievalFanout queries both sources and concatenates results.
	RetrievalFanout RetrievalStrategy = "fanout"
)

// ContextStrategy selects how much conversation the model sees.
type ContextStrategy string

const (
	// ContextThread replays the full thread history.
	ContextThread ContextStrategy = "thread"
	// ContextSingle sends only the triggering message.
	ContextSingle ContextStrategy = "single"
)

// Policy holds the tunable behavior of the response pass. Zero values for
// TopK, DocCharBudget, and Persona are replaced with defaults by New.
type Policy struct {
	Retrieval      RetrievalStrategy
	Context        ContextStrategy
	ShallowRetry   bool // run the one-shot supplementary pass on hedged drafts
	Reformulate    bool // compact the utterance into a search query via the LLM
	DeepenOnRetry  bool // fetch full result pages as retry evidence
	EmphasisRepair bool // enable the list-label colon repair in formatting

	Persona       string
	TopK          int
	DocCharBudget int

	DomainKeywords []string // terms that route a query to the domain source
	HedgingPhrases []string // markers the shallow-answer detector looks for
}
