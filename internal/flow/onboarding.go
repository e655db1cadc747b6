package flow

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Onboarding link details are shared as "*Key: value*" pairs.
var linkPairPattern = regexp.MustCompile(`\*([^:]+):\s*([^*]+)\*`)

// Onboarding paths.
const (
	pathTeacher = "teacher"
	pathStudent = "student"
	pathUnknown = "unknown"
	pathValid   = "valid"
	pathInvalid = "invalid"
)

// ParseOnboardingLink extracts the onboarding details found in text. Unknown
// keys are ignored.
func ParseOnboardingLink(text string) models.Onboarding {
	var ob models.Onboarding
	for _, m := range linkPairPattern.FindAllStringSubmatch(text, -1) {
		value := strings.TrimSpace(m[2])
		switch strings.TrimSpace(m[1]) {
		case "School name":
			ob.SchoolName = value
		case "Dise code":
			ob.DiseCode = value
		case "District iD":
			ob.DistrictID = value
		case "District name":
			ob.DistrictName = value
		case "State name":
			ob.StateName = value
		}
	}
	return ob
}

// onboardingPath classifies parsed details: district details identify a
// teacher, school details a student.
func onboardingPath(ob models.Onboarding) string {
	switch {
	case ob.DistrictID != "" && ob.DistrictName != "" && ob.StateName != "":
		return pathTeacher
	case ob.DiseCode != "" && ob.SchoolName != "":
		return pathStudent
	default:
		return pathUnknown
	}
}

func advanceLinkParser(_ context.Context, w *walk, g *models.FlowGraph, n models.Node) (Transition, error) {
	d := n.Data.(models.LinkParserData)
	ob := ParseOnboardingLink(d.Link)
	path := onboardingPath(ob)
	slog.Debug("flow.advanceLinkParser: parsed link", "user", w.key, "node", n.ID, "path", path)
	next, err := followIndex(g, n, slices.Index(d.Paths, path))
	return Transition{Node: next, Update: models.SessionUpdate{Onboarding: models.Set(ob)}}, err
}

// advanceValidateDise looks the user's DISE code up. Any lookup failure takes
// the invalid path.
func advanceValidateDise(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) (Transition, error) {
	d := n.Data.(models.ValidateDiseData)
	var upd models.SessionUpdate
	path := pathInvalid

	school, err := w.lookupSchool(ctx)
	if err != nil {
		slog.Warn("flow.advanceValidateDise: lookup failed", "user", w.key, "node", n.ID, "error", err)
	} else {
		ob := w.sess.Onboarding
		ob.SchoolName = school.Name
		ob.DiseCode = school.Code
		upd.Onboarding = models.Set(ob)
		path = pathValid
	}
	next, err := followIndex(g, n, slices.Index(d.Paths, path))
	return Transition{Node: next, Update: upd}, err
}

func (w *walk) lookupSchool(ctx context.Context) (*models.School, error) {
	code := w.sess.DiseCode
	if code == "" {
		return nil, &models.ExternalLookupError{Service: "school", Err: errors.New(msgDiseCodeNotFound)}
	}
	if w.e.schools == nil {
		return nil, &models.ExternalLookupError{Service: "school", Key: code, Err: errors.New("no school lookup configured")}
	}
	school, err := w.e.schools.LookupSchool(ctx, code)
	if err != nil {
		var le *models.ExternalLookupError
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, &models.ExternalLookupError{Service: "school", Key: code, Err: err}
	}
	return school, nil
}

func advanceConfirmSchool(_ context.Context, w *walk, g *models.FlowGraph, n models.Node) (Transition, error) {
	input, err := requireInput(w, n)
	if err != nil {
		return Transition{}, err
	}
	i, err := matchOption(n, input, n.Data.(models.ConfirmSchoolData).Paths)
	if err != nil {
		return Transition{}, err
	}
	next, err := followIndex(g, n, i)
	return Transition{Node: next}, err
}

func emitConfirmSchool(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	d := n.Data.(models.ConfirmSchoolData)
	w.sendChoice(ctx, d.Text, d.Paths, "")
	return w.afterLevelEmit(ctx, g, n, models.SessionUpdate{})
}
