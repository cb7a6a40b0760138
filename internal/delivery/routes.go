package delivery

import (
	"net/http"
	"time"

	"github.com/Vovarama1992/go-utils/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

type RouteOptions struct {
	JWTSecret []byte
	Users     UserGetter
	// лимит POST /predict на IP в минуту, 0 отключает
	SubmitRPM int
}

func RegisterRoutes(r chi.Router, hPredict *PredictHandler, hBalance *BalanceHandler, opts RouteOptions) {
	r.With(httputil.RecoverMiddleware).Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("pong"))
	})

	// --- protected ---
	r.Group(func(pr chi.Router) {
		pr.Use(
			httputil.RecoverMiddleware,
			AuthMiddleware(opts.JWTSecret, opts.Users),
		)

		// --- предсказания ---
		submit := http.HandlerFunc(hPredict.Submit)
		if opts.SubmitRPM > 0 {
			pr.With(httprate.LimitByIP(opts.SubmitRPM, time.Minute)).Post("/predict", submit)
		} else {
			pr.Post("/predict", submit)
		}
		pr.Get("/predict/{task_id}", hPredict.Get)
		pr.Get("/predict/{task_id}/result", hPredict.Result)
		pr.Get("/predictions", hPredict.List)

		// --- баланс ---
		pr.Get("/balance", hBalance.Get)
		pr.Post("/balance/topup", hBalance.TopUp)
		pr.Get("/history/transactions", hBalance.History)

		// --- админка ---
		pr.With(AdminOnly).Post("/admin/users/{user_id}/credit", hBalance.AdminCredit)
	})
}
