package incidents

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"sentinelops/internal/access"
	"sentinelops/internal/auth"
	"sentinelops/internal/logging"
)

// IncidentStore is the persistence the lifecycle service depends on.
type IncidentStore interface {
	Create(ctx context.Context, inc *Incident) error
	Get(ctx context.Context, id string) (*Incident, error)
	Update(ctx context.Context, id string, patch Patch) (*Incident, error)
	SetAssignee(ctx context.Context, id, assignee string) (*Incident, error)
	AppendComment(ctx context.Context, id string, c *Comment) error
	List(ctx context.Context, f ListFilter) ([]Incident, error)
	CountAll(ctx context.Context) (int64, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
	GroupCountBy(ctx context.Context, field string) ([]GroupCount, error)
	CreatedSince(ctx context.Context, since time.Time) ([]time.Time, error)
}

// Directory resolves user ids to display summaries.
type Directory interface {
	Summaries(ctx context.Context, ids []string) (map[string]auth.Summary, error)
}

type Authorizer interface {
	Can(sub access.Subject, act access.Action, res access.Resource) (bool, error)
}

type Options struct {
	RecentWindowDays int
	TrendMonths      int
	TrendZeroFill    bool
}

type Service struct {
	store  IncidentStore
	dir    Directory
	authz  Authorizer
	logger *slog.Logger
	opts   Options
	now    func() time.Time
}

func NewService(store IncidentStore, dir Directory, authz Authorizer, logger *slog.Logger, opts Options) *Service {
	if opts.RecentWindowDays <= 0 {
		opts.RecentWindowDays = 30
	}
	if opts.TrendMonths <= 0 {
		opts.TrendMonths = 6
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		dir:    dir,
		authz:  authz,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

type CommentView struct {
	ID        int64        `json:"id"`
	Text      string       `json:"text"`
	CreatedBy auth.Summary `json:"createdBy"`
	CreatedAt time.Time    `json:"createdAt"`
}

// IncidentView is an incident with user references resolved for display.
type IncidentView struct {
	ID              string        `json:"id"`
	IncidentNumber  string        `json:"incidentNumber"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	Status          Status        `json:"status"`
	Severity        Severity      `json:"severity"`
	Category        Category      `json:"category"`
	ReportedBy      auth.Summary  `json:"reportedBy"`
	AssignedTo      *auth.Summary `json:"assignedTo"`
	Source          string        `json:"source"`
	Tags            []string      `json:"tags"`
	Metadata        *Metadata     `json:"metadata,omitempty"`
	Comments        []CommentView `json:"comments"`
	ResolutionNotes string        `json:"resolutionNotes"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	ResolvedAt      *time.Time    `json:"resolvedAt"`
}

func (s *Service) authorize(caller auth.Caller, act access.Action, owner, denied string) error {
	if caller.ID == "" {
		return forbidden("authentication required")
	}
	role := access.RoleUser
	if caller.IsAdmin {
		role = access.RoleAdmin
	}
	ok, err := s.authz.Can(access.Subject{ID: caller.ID, Role: role}, act, access.Resource{Owner: owner})
	if err != nil {
		return upstream(err, "authorization check")
	}
	if !ok {
		return forbidden(denied)
	}
	return nil
}

func (s *Service) CreateIncident(ctx context.Context, caller auth.Caller, in NewIncident) (*IncidentView, error) {
	if err := s.authorize(caller, access.ActCreate, "", "not allowed to create incidents"); err != nil {
		return nil, err
	}
	return s.create(ctx, caller.ID, in)
}

// CreateOnBehalf records an incident reported by reporterID, which must be a
// known user. It is used by trusted intake paths that have already
// authenticated the request.
func (s *Service) CreateOnBehalf(ctx context.Context, reporterID string, in NewIncident) (*IncidentView, error) {
	if reporterID == "" {
		return nil, validationf("reportedBy is required")
	}
	if err := s.requireUser(ctx, reporterID); err != nil {
		return nil, err
	}
	return s.create(ctx, reporterID, in)
}

func (s *Service) create(ctx context.Context, reporterID string, in NewIncident) (*IncidentView, error) {
	inc := &Incident{
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Status:      in.Status,
		Severity:    in.Severity,
		Category:    in.Category,
		ReportedBy:  reporterID,
		AssignedTo:  in.AssignedTo,
		Source:      strings.TrimSpace(in.Source),
		Tags:        in.Tags,
		Metadata:    in.Metadata,
	}
	if inc.Title == "" || inc.Description == "" {
		return nil, validationf("title and description are required")
	}
	if inc.Status == "" {
		inc.Status = StatusOpen
	} else if !inc.Status.Valid() {
		return nil, validationf("invalid status %q", inc.Status)
	}
	if inc.Severity == "" {
		inc.Severity = SeverityMedium
	} else if !inc.Severity.Valid() {
		return nil, validationf("invalid severity %q", inc.Severity)
	}
	if inc.Category == "" {
		inc.Category = CategoryOther
	} else if !inc.Category.Valid() {
		return nil, validationf("invalid category %q", inc.Category)
	}
	if inc.Source == "" {
		inc.Source = SourceManual
	}
	if inc.AssignedTo != "" {
		if err := s.requireUser(ctx, inc.AssignedTo); err != nil {
			return nil, err
		}
	}
	if err := s.store.Create(ctx, inc); err != nil {
		return nil, err
	}
	logging.FromContext(ctx, s.logger).Info("incident created",
		"id", inc.ID, "number", inc.IncidentNumber, "severity", inc.Severity, "reported_by", reporterID)
	return s.resolveOne(ctx, inc)
}

func (s *Service) ViewIncident(ctx context.Context, caller auth.Caller, id string) (*IncidentView, error) {
	inc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(caller, access.ActView, inc.ReportedBy, "not authorized to view this incident"); err != nil {
		return nil, err
	}
	return s.resolveOne(ctx, inc)
}

func (s *Service) ListOwnIncidents(ctx context.Context, caller auth.Caller) ([]IncidentView, error) {
	if err := s.authorize(caller, access.ActListOwn, caller.ID, "not allowed to list incidents"); err != nil {
		return nil, err
	}
	incs, err := s.store.List(ctx, ListFilter{ReportedBy: caller.ID})
	if err != nil {
		return nil, err
	}
	return s.resolveMany(ctx, incs)
}

func (s *Service) ListAllIncidents(ctx context.Context, caller auth.Caller, f ListFilter) ([]IncidentView, error) {
	if err := s.authorize(caller, access.ActListAll, "", "only admins can view all incidents"); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, validationf("invalid status filter %q", f.Status)
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return nil, validationf("invalid severity filter %q", f.Severity)
	}
	if f.Category != "" && !f.Category.Valid() {
		return nil, validationf("invalid category filter %q", f.Category)
	}
	switch f.Timeframe {
	case TimeframeAll, TimeframeToday, TimeframeWeek, TimeframeMonth:
	default:
		return nil, validationf("invalid timeframe %q", f.Timeframe)
	}
	f.ReportedBy = ""
	incs, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return s.resolveMany(ctx, incs)
}

func (s *Service) UpdateIncident(ctx context.Context, caller auth.Caller, id string, patch Patch) (*IncidentView, error) {
	if err := s.authorize(caller, access.ActUpdate, "", "only admins can update incidents"); err != nil {
		return nil, err
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, validationf("invalid status %q", *patch.Status)
	}
	if patch.Severity != nil && !patch.Severity.Valid() {
		return nil, validationf("invalid severity %q", *patch.Severity)
	}
	inc, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx, s.logger).Info("incident updated",
		"id", inc.ID, "number", inc.IncidentNumber, "status", inc.Status, "severity", inc.Severity, "by", caller.ID)
	return s.resolveOne(ctx, inc)
}

func (s *Service) AddComment(ctx context.Context, caller auth.Caller, id, text string) (*IncidentView, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, validationf("comment text is required")
	}
	inc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(caller, access.ActComment, inc.ReportedBy, "not authorized to comment on this incident"); err != nil {
		return nil, err
	}
	if err := s.store.AppendComment(ctx, id, &Comment{Text: text, CreatedBy: caller.ID}); err != nil {
		return nil, err
	}
	inc, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.resolveOne(ctx, inc)
}

// AssignIncident sets the assignee. An empty assigneeID clears it.
func (s *Service) AssignIncident(ctx context.Context, caller auth.Caller, id, assigneeID string) (*IncidentView, error) {
	if err := s.authorize(caller, access.ActAssign, "", "only admins can assign incidents"); err != nil {
		return nil, err
	}
	assigneeID = strings.TrimSpace(assigneeID)
	if assigneeID != "" {
		if err := s.requireUser(ctx, assigneeID); err != nil {
			return nil, err
		}
	}
	inc, err := s.store.SetAssignee(ctx, id, assigneeID)
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx, s.logger).Info("incident assigned",
		"id", inc.ID, "number", inc.IncidentNumber, "assignee", assigneeID, "by", caller.ID)
	return s.resolveOne(ctx, inc)
}

func (s *Service) requireUser(ctx context.Context, id string) error {
	found, err := s.dir.Summaries(ctx, []string{id})
	if err != nil {
		return upstream(err, "resolve user")
	}
	if _, ok := found[id]; !ok {
		return validationf("unknown user %q", id)
	}
	return nil
}

func (s *Service) resolveOne(ctx context.Context, inc *Incident) (*IncidentView, error) {
	views, err := s.resolveMany(ctx, []Incident{*inc})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// resolveMany builds views for incs with a single directory lookup.
func (s *Service) resolveMany(ctx context.Context, incs []Incident) ([]IncidentView, error) {
	var ids []string
	for _, inc := range incs {
		ids = append(ids, inc.ReportedBy)
		if inc.AssignedTo != "" {
			ids = append(ids, inc.AssignedTo)
		}
		for _, c := range inc.Comments {
			ids = append(ids, c.CreatedBy)
		}
	}
	users, err := s.dir.Summaries(ctx, ids)
	if err != nil {
		return nil, upstream(err, "resolve users")
	}
	lookup := func(id string) auth.Summary {
		if u, ok := users[id]; ok {
			return u
		}
		return auth.Summary{ID: id}
	}
	views := make([]IncidentView, 0, len(incs))
	for _, inc := range incs {
		v := IncidentView{
			ID:              inc.ID,
			IncidentNumber:  inc.IncidentNumber,
			Title:           inc.Title,
			Description:     inc.Description,
			Status:          inc.Status,
			Severity:        inc.Severity,
			Category:        inc.Category,
			ReportedBy:      lookup(inc.ReportedBy),
			Source:          inc.Source,
			Tags:            inc.Tags,
			Metadata:        inc.Metadata,
			Comments:        make([]CommentView, 0, len(inc.Comments)),
			ResolutionNotes: inc.ResolutionNotes,
			CreatedAt:       inc.CreatedAt,
			UpdatedAt:       inc.UpdatedAt,
			ResolvedAt:      inc.ResolvedAt,
		}
		if v.Tags == nil {
			v.Tags = []string{}
		}
		if inc.AssignedTo != "" {
			a := lookup(inc.AssignedTo)
			v.AssignedTo = &a
		}
		for _, c := range inc.Comments {
			v.Comments = append(v.Comments, CommentView{
				ID:        c.ID,
				Text:      c.Text,
				CreatedBy: lookup(c.CreatedBy),
				CreatedAt: c.CreatedAt,
			})
		}
		views = append(views, v)
	}
	return views, nil
}
