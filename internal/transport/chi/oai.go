package chi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dlmeta/metarepo/internal/domain"
	"github.com/dlmeta/metarepo/internal/logger"
	"github.com/dlmeta/metarepo/internal/repository/admin"
	"github.com/dlmeta/metarepo/internal/usecase/oai"
)

const (
	oaiNamespace      = "http://www.openarchives.org/OAI/2.0/"
	oaiSchemaLocation = "http://www.openarchives.org/OAI/2.0/ http://www.openarchives.org/OAI/2.0/OAI-PMH.xsd"
	xsiNamespace      = "http://www.w3.org/2001/XMLSchema-instance"

	utcSecondLayout = "2006-01-02T15:04:05Z"
)

// OAI handles GET and POST /oai: the verb dispatch of the OAI-PMH
// protocol surface. Protocol errors become <error code=...> elements;
// only transport failures surface as HTTP errors.
func (s *Server) OAI(w http.ResponseWriter, r *http.Request) {
	if !s.settings.OAIPMHEnabled() {
		http.Error(w, "OAI-PMH access is disabled", http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	q := r.Form

	resp := &oaiPMH{
		Xmlns:          oaiNamespace,
		XmlnsXsi:       xsiNamespace,
		SchemaLocation: oaiSchemaLocation,
		ResponseDate:   time.Now().UTC().Format(utcSecondLayout),
		Request: oaiRequest{
			BaseURL:        baseURL(r),
			Verb:           q.Get("verb"),
			Identifier:     q.Get("identifier"),
			MetadataPrefix: q.Get("metadataPrefix"),
			Set:            q.Get("set"),
			From:           q.Get("from"),
			Until:          q.Get("until"),
			Token:          q.Get("resumptionToken"),
		},
	}

	err := s.dispatch(r, q, resp)
	if err != nil {
		var oaiErr *domain.OAIError
		if !errors.As(err, &oaiErr) {
			logger.FromContext(r.Context()).Error("oai request failed",
				zap.String("verb", q.Get("verb")), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		// per protocol, badVerb and badArgument responses omit the
		// offending request attributes
		if oaiErr.Code == domain.OAIBadVerb || oaiErr.Code == domain.OAIBadArgument {
			resp.Request = oaiRequest{BaseURL: resp.Request.BaseURL}
		}
		resp.Error = &oaiError{Code: string(oaiErr.Code), Message: oaiErr.Message()}
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_ = enc.Encode(resp)
	_, _ = w.Write([]byte("\n"))
}

func (s *Server) dispatch(r *http.Request, q url.Values, resp *oaiPMH) error {
	ctx := r.Context()
	switch q.Get("verb") {
	case "Identify":
		return s.identify(r, resp)
	case "ListSets":
		return s.listSets(ctx, resp)
	case "ListMetadataFormats":
		return s.listMetadataFormats(ctx, q.Get("identifier"), resp)
	case "GetRecord":
		return s.getRecord(ctx, q, resp)
	case "ListRecords":
		return s.list(ctx, q, resp, true)
	case "ListIdentifiers":
		return s.list(ctx, q, resp, false)
	case "":
		return domain.NewOAIError(domain.OAIBadVerb, "the verb argument is missing")
	default:
		return domain.NewOAIError(domain.OAIBadVerb, "unknown verb %q", q.Get("verb"))
	}
}

func (s *Server) identify(r *http.Request, resp *oaiPMH) error {
	id, err := s.engine.Identify(r.Context())
	if err != nil {
		return err
	}

	elem := &identifyElem{
		RepositoryName:    id.RepositoryName,
		BaseURL:           baseURL(r),
		ProtocolVersion:   id.ProtocolVersion,
		AdminEmails:       id.AdminEmails,
		EarliestDatestamp: s.datestamp(id.EarliestDatestamp),
		DeletedRecord:     id.DeletedRecord,
		Granularity:       granularityLabel(id.Granularity),
		Compressions:      id.Compressions,
	}
	for _, d := range id.Descriptions {
		elem.Descriptions = append(elem.Descriptions, rawXML{Inner: d})
	}
	resp.Identify = elem
	return nil
}

func (s *Server) listSets(ctx context.Context, resp *oaiPMH) error {
	views := s.engine.ListSets(ctx)
	if len(views) == 0 {
		return domain.NewOAIError(domain.OAINoSetHierarchy, "this repository advertises no sets")
	}
	elem := &listSetsElem{}
	for _, v := range views {
		se := setElem{SetSpec: v.SetSpec, SetName: v.Name}
		if v.Description != "" {
			se.Description = &rawXML{Inner: "<description>" + escapeXML(v.Description) + "</description>"}
		}
		elem.Sets = append(elem.Sets, se)
	}
	resp.ListSets = elem
	return nil
}

func (s *Server) listMetadataFormats(ctx context.Context, identifier string, resp *oaiPMH) error {
	views, err := s.engine.ListFormats(ctx, s.localID(identifier))
	if err != nil {
		return err
	}
	elem := &listFormatsElem{}
	for _, v := range views {
		elem.Formats = append(elem.Formats, formatElem{
			MetadataPrefix:    v.Prefix,
			Schema:            v.Schema,
			MetadataNamespace: v.Namespace,
		})
	}
	resp.ListMetadataFormats = elem
	return nil
}

func (s *Server) getRecord(ctx context.Context, q url.Values, resp *oaiPMH) error {
	identifier, format := q.Get("identifier"), q.Get("metadataPrefix")
	if identifier == "" || format == "" {
		return domain.NewOAIError(domain.OAIBadArgument, "identifier and metadataPrefix are required")
	}
	item, err := s.engine.GetRecord(ctx, s.localID(identifier), format)
	if err != nil {
		return err
	}
	resp.GetRecord = &getRecordElem{Record: s.recordElem(*item)}
	return nil
}

func (s *Server) list(ctx context.Context, q url.Values, resp *oaiPMH, withMetadata bool) error {
	req, err := s.listRequest(q, withMetadata)
	if err != nil {
		return err
	}
	res, err := s.engine.ListRecords(ctx, req)
	if err != nil {
		return err
	}

	var next *resumptionElem
	if served := req.Offset + len(res.Items); served < res.Total {
		token, err := encodeToken(resumptionToken{
			Format: req.Format,
			Set:    req.Set,
			From:   req.From,
			Until:  req.Until,
			Query:  req.RawQuery,
			Offset: served,
		})
		if err != nil {
			return fmt.Errorf("encode resumption token: %w", err)
		}
		next = &resumptionElem{CompleteListSize: res.Total, Cursor: req.Offset, Token: token}
	} else if req.Offset > 0 {
		// terminate an in-progress list with an empty token
		next = &resumptionElem{CompleteListSize: res.Total, Cursor: req.Offset}
	}

	if withMetadata {
		elem := &listRecordsElem{Resumption: next}
		for _, it := range res.Items {
			elem.Records = append(elem.Records, s.recordElem(it))
		}
		resp.ListRecords = elem
		return nil
	}
	elem := &listIdentifiersElem{Resumption: next}
	for _, it := range res.Items {
		elem.Headers = append(elem.Headers, s.headerElem(it.Header))
	}
	resp.ListIdentifiers = elem
	return nil
}

// listRequest assembles the engine request from the query arguments or
// from an exclusive resumption token. The nonstandard q argument carries
// an ODL free-form query and rides along in the token.
func (s *Server) listRequest(q url.Values, withMetadata bool) (oai.ListRequest, error) {
	limit := s.settings.NumIdentifiersResults()
	if withMetadata {
		limit = s.settings.NumRecordsResults()
	}

	if token := q.Get("resumptionToken"); token != "" {
		for _, arg := range []string{"metadataPrefix", "set", "from", "until", "q"} {
			if q.Get(arg) != "" {
				return oai.ListRequest{}, domain.NewOAIError(domain.OAIBadArgument,
					"resumptionToken is an exclusive argument")
			}
		}
		rt, err := decodeToken(token)
		if err != nil {
			return oai.ListRequest{}, domain.NewOAIError(domain.OAIBadResumptionToken,
				"the resumption token is not valid")
		}
		return oai.ListRequest{
			Format:   rt.Format,
			Set:      rt.Set,
			From:     rt.From,
			Until:    rt.Until,
			RawQuery: rt.Query,
			Offset:   rt.Offset,
			Limit:    limit,
		}, nil
	}

	return oai.ListRequest{
		Format:   q.Get("metadataPrefix"),
		Set:      q.Get("set"),
		From:     q.Get("from"),
		Until:    q.Get("until"),
		RawQuery: q.Get("q"),
		Limit:    limit,
	}, nil
}

func (s *Server) recordElem(it oai.Item) recordElem {
	elem := recordElem{Header: s.headerElem(it.Header)}
	if !it.Deleted && it.XML != "" {
		elem.Metadata = &rawXML{Inner: stripXMLDeclaration(it.XML)}
	}
	return elem
}

func (s *Server) headerElem(h oai.Header) headerElem {
	elem := headerElem{
		Identifier: s.oaiIdentifier(h.ID),
		Datestamp:  s.datestamp(h.Datestamp),
		SetSpecs:   []string{h.SetSpec},
	}
	if h.Deleted {
		elem.Status = "deleted"
	}
	return elem
}

// oaiIdentifier renders a local record id in oai-identifier form when a
// repository identifier is configured.
func (s *Server) oaiIdentifier(id string) string {
	if repoID := s.settings.RepositoryIdentifier(); repoID != "" {
		return "oai:" + repoID + ":" + id
	}
	return id
}

// localID strips the oai-identifier envelope off an incoming identifier.
func (s *Server) localID(identifier string) string {
	repoID := s.settings.RepositoryIdentifier()
	if repoID == "" {
		return identifier
	}
	return strings.TrimPrefix(identifier, "oai:"+repoID+":")
}

func (s *Server) datestamp(t time.Time) string {
	if s.settings.Granularity() == admin.GranularityDays {
		return t.UTC().Format("2006-01-02")
	}
	return t.UTC().Format(utcSecondLayout)
}

func granularityLabel(g string) string {
	if g == admin.GranularityDays {
		return "YYYY-MM-DD"
	}
	return "YYYY-MM-DDThh:mm:ssZ"
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func stripXMLDeclaration(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<?xml") {
		if i := strings.Index(s, "?>"); i >= 0 {
			s = strings.TrimSpace(s[i+2:])
		}
	}
	return s
}

func escapeXML(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// --- resumption tokens ---

// resumptionToken carries the list position across requests. It is
// opaque to harvesters.
type resumptionToken struct {
	Format string `json:"f"`
	Set    string `json:"s,omitempty"`
	From   string `json:"from,omitempty"`
	Until  string `json:"until,omitempty"`
	Query  string `json:"q,omitempty"`
	Offset int    `json:"o"`
}

func encodeToken(rt resumptionToken) (string, error) {
	data, err := json.Marshal(rt)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeToken(s string) (resumptionToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return resumptionToken{}, err
	}
	var rt resumptionToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return resumptionToken{}, err
	}
	return rt, nil
}

// --- wire types ---

type oaiPMH struct {
	XMLName        xml.Name   `xml:"OAI-PMH"`
	Xmlns          string     `xml:"xmlns,attr"`
	XmlnsXsi       string     `xml:"xmlns:xsi,attr"`
	SchemaLocation string     `xml:"xsi:schemaLocation,attr"`
	ResponseDate   string     `xml:"responseDate"`
	Request        oaiRequest `xml:"request"`
	Error          *oaiError  `xml:"error,omitempty"`

	Identify            *identifyElem
	ListSets            *listSetsElem
	ListMetadataFormats *listFormatsElem
	GetRecord           *getRecordElem
	ListRecords         *listRecordsElem
	ListIdentifiers     *listIdentifiersElem
}

type oaiRequest struct {
	Verb           string `xml:"verb,attr,omitempty"`
	Identifier     string `xml:"identifier,attr,omitempty"`
	MetadataPrefix string `xml:"metadataPrefix,attr,omitempty"`
	Set            string `xml:"set,attr,omitempty"`
	From           string `xml:"from,attr,omitempty"`
	Until          string `xml:"until,attr,omitempty"`
	Token          string `xml:"resumptionToken,attr,omitempty"`
	BaseURL        string `xml:",chardata"`
}

type oaiError struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type rawXML struct {
	Inner string `xml:",innerxml"`
}

type identifyElem struct {
	XMLName           xml.Name `xml:"Identify"`
	RepositoryName    string   `xml:"repositoryName"`
	BaseURL           string   `xml:"baseURL"`
	ProtocolVersion   string   `xml:"protocolVersion"`
	AdminEmails       []string `xml:"adminEmail"`
	EarliestDatestamp string   `xml:"earliestDatestamp"`
	DeletedRecord     string   `xml:"deletedRecord"`
	Granularity       string   `xml:"granularity"`
	Compressions      []string `xml:"compression,omitempty"`
	Descriptions      []rawXML `xml:"description,omitempty"`
}

type listSetsElem struct {
	XMLName xml.Name  `xml:"ListSets"`
	Sets    []setElem `xml:"set"`
}

type setElem struct {
	SetSpec     string  `xml:"setSpec"`
	SetName     string  `xml:"setName"`
	Description *rawXML `xml:"setDescription,omitempty"`
}

type listFormatsElem struct {
	XMLName xml.Name     `xml:"ListMetadataFormats"`
	Formats []formatElem `xml:"metadataFormat"`
}

type formatElem struct {
	MetadataPrefix    string `xml:"metadataPrefix"`
	Schema            string `xml:"schema,omitempty"`
	MetadataNamespace string `xml:"metadataNamespace,omitempty"`
}

type headerElem struct {
	Status     string   `xml:"status,attr,omitempty"`
	Identifier string   `xml:"identifier"`
	Datestamp  string   `xml:"datestamp"`
	SetSpecs   []string `xml:"setSpec"`
}

type recordElem struct {
	Header   headerElem `xml:"header"`
	Metadata *rawXML    `xml:"metadata,omitempty"`
}

type getRecordElem struct {
	XMLName xml.Name   `xml:"GetRecord"`
	Record  recordElem `xml:"record"`
}

type resumptionElem struct {
	CompleteListSize int    `xml:"completeListSize,attr"`
	Cursor           int    `xml:"cursor,attr"`
	Token            string `xml:",chardata"`
}

type listRecordsElem struct {
	XMLName    xml.Name        `xml:"ListRecords"`
	Records    []recordElem    `xml:"record"`
	Resumption *resumptionElem `xml:"resumptionToken,omitempty"`
}

type listIdentifiersElem struct {
	XMLName    xml.Name        `xml:"ListIdentifiers"`
	Headers    []headerElem    `xml:"header"`
	Resumption *resumptionElem `xml:"resumptionToken,omitempty"`
}
