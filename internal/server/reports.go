package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"sparlo/internal/domain"
	"sparlo/internal/engine"
	"sparlo/internal/repo"
)

type reportPath struct {
	ReportID string `path:"report_id"`
}

// loadOwnedReport fetches the report and hides other accounts' reports behind
// a 404.
func loadOwnedReport(ctx context.Context, e engine.Engine, reportID string) (domain.Report, huma.StatusError) {
	accountID, authErr := accountFromContext(ctx)
	if authErr != nil {
		return domain.Report{}, authErr
	}
	rep, err := e.Repo.GetReport(ctx, reportID)
	if err != nil {
		return domain.Report{}, handleError(err)
	}
	if rep.AccountID != accountID {
		return domain.Report{}, newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	return rep, nil
}

func registerReports(api huma.API, e engine.Engine, runner Enqueuer) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Start a report",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartReportRequest `json:"body"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		accountID, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		challenge := strings.TrimSpace(input.Body.DesignChallenge)
		if challenge == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "design_challenge is required", nil)
		}
		rep, err := e.StartReport(ctx, accountID, challenge, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		if runner != nil {
			runner.Enqueue(rep.ID)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,processing,clarifying,complete,error,cancelled,confirm_rerun" required:"false"`
	}) (*struct {
		Body []ReportResponse `json:"body"`
	}, error) {
		accountID, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reports, err := e.Repo.ListReports(ctx, accountID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ReportResponse, 0, len(reports))
		for _, r := range reports {
			res = append(res, reportResponse(r, nil))
		}
		return &struct {
			Body []ReportResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{report_id}",
		Summary:     "Report status",
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		rep, herr := loadOwnedReport(ctx, e, input.ReportID)
		if herr != nil {
			return nil, herr
		}
		var pending *domain.Clarification
		if rep.Status == domain.StatusClarifying {
			if c, err := e.Repo.PendingClarification(ctx, rep.ID); err == nil {
				pending = &c
			} else if !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep, pending)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-report",
		Method:      http.MethodPost,
		Path:        "/reports/{report_id}/cancel",
		Summary:     "Cancel a report",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		rep, herr := loadOwnedReport(ctx, e, input.ReportID)
		if herr != nil {
			return nil, herr
		}
		accountID, _ := accountFromContext(ctx)
		if rep.Status == domain.StatusConfirmRerun {
			// Cancelling a rerun request keeps the completed report.
			rep, err := e.DeclineRerun(ctx, rep.ID, accountID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ReportResponse `json:"body"`
			}{Body: reportResponse(rep, nil)}, nil
		}
		rep, err := e.CancelReport(ctx, rep.ID, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-clarification",
		Method:      http.MethodPost,
		Path:        "/reports/{report_id}/answer",
		Summary:     "Answer the pending clarification",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ReportID string        `path:"report_id"`
		Body     AnswerRequest `json:"body"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		rep, herr := loadOwnedReport(ctx, e, input.ReportID)
		if herr != nil {
			return nil, herr
		}
		if input.Body.Answer == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "answer is required (empty string is accepted)", nil)
		}
		accountID, _ := accountFromContext(ctx)
		rep, err := e.AnswerClarification(ctx, rep.ID, *input.Body.Answer, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		if runner != nil {
			runner.Enqueue(rep.ID)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-rerun",
		Method:      http.MethodPost,
		Path:        "/reports/{report_id}/rerun",
		Summary:     "Request a rerun of a completed report",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		rep, herr := loadOwnedReport(ctx, e, input.ReportID)
		if herr != nil {
			return nil, herr
		}
		accountID, _ := accountFromContext(ctx)
		rep, err := e.RequestRerun(ctx, rep.ID, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-rerun",
		Method:      http.MethodPost,
		Path:        "/reports/{report_id}/rerun/confirm",
		Summary:     "Confirm a rerun, discarding prior output",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		rep, herr := loadOwnedReport(ctx, e, input.ReportID)
		if herr != nil {
			return nil, herr
		}
		accountID, _ := accountFromContext(ctx)
		rep, err := e.ConfirmRerun(ctx, rep.ID, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		if runner != nil {
			runner.Enqueue(rep.ID)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-events",
		Method:      http.MethodGet,
		Path:        "/reports/{report_id}/events",
		Summary:     "Report audit trail",
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		rep, herr := loadOwnedReport(ctx, e, input.ReportID)
		if herr != nil {
			return nil, herr
		}
		evts, err := e.Events.ForEntity(ctx, "report", rep.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(evts))
		for _, ev := range evts {
			res = append(res, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}
