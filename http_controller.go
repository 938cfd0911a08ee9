package accounts

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/goliatone/go-router/flash"
	"github.com/google/uuid"
)

// CurrentUserResolver extracts the authenticated user behind a request.
// Settings routes require one; the default rejects every call.
type CurrentUserResolver func(ctx router.Context) (*User, error)

// RegisterAccountRoutes mounts the account lifecycle endpoints.
func RegisterAccountRoutes[T any](app router.Router[T], opts ...AccountsControllerOption) {
	controller := NewAccountsController(opts...)

	app.Get(controller.Routes.Register, controller.RegistrationShow).
		SetName("account-register.get")
	app.Post(controller.Routes.Register, controller.RegistrationCreate).
		SetName("account-register.post")

	app.Get(fmt.Sprintf("%s/:id/:code", controller.Routes.Confirm), controller.ConfirmGet).
		SetName("account-confirm.get")

	app.Get(controller.Routes.Resend, controller.ResendShow).
		SetName("account-resend.get")
	app.Post(controller.Routes.Resend, controller.ResendPost).
		SetName("account-resend.post")

	app.Get(controller.Routes.Recovery, controller.RecoveryShow).
		SetName("account-recovery.get")
	app.Post(controller.Routes.Recovery, controller.RecoveryRequest).
		SetName("account-recovery.post")
	app.Get(fmt.Sprintf("%s/:id/:code", controller.Routes.Recovery), controller.RecoveryForm).
		SetName("account-recovery-do.get")
	app.Post(fmt.Sprintf("%s/:id/:code", controller.Routes.Recovery), controller.RecoveryReset).
		SetName("account-recovery-do.post")

	app.Post(controller.Routes.EmailChange, controller.EmailChangeRequest).
		SetName("account-email.post")
	app.Get(fmt.Sprintf("%s/confirm/:id/:code", controller.Routes.Settings), controller.EmailChangeConfirm).
		SetName("account-email-confirm.get")

	app.Post(controller.Routes.AdminUsers, controller.AdminCreate).
		SetName("account-admin-create.post")
	app.Post(fmt.Sprintf("%s/:id/approve", controller.Routes.AdminUsers), controller.AdminApprove).
		SetName("account-admin-approve.post")
	app.Post(fmt.Sprintf("%s/:id/block", controller.Routes.AdminUsers), controller.AdminBlock).
		SetName("account-admin-block.post")
	app.Post(fmt.Sprintf("%s/:id/unblock", controller.Routes.AdminUsers), controller.AdminUnblock).
		SetName("account-admin-unblock.post")
}

type AccountsControllerRoutes struct {
	Register    string
	Confirm     string
	Resend      string
	Recovery    string
	Settings    string
	EmailChange string
	AdminUsers  string
}

type AccountsControllerViews struct {
	Register     string
	Resend       string
	Recovery     string
	RecoveryForm string
}

// AccountsController exposes registration, confirmation, recovery, email
// change, and admin endpoints over go-router.
type AccountsController struct {
	Debug        bool
	Logger       Logger
	Repo         RepositoryManager
	Registration *RegistrationService
	Confirmation *ConfirmationService
	Recovery     *RecoveryService
	Account      *AccountService
	Routes       *AccountsControllerRoutes
	Views        *AccountsControllerViews
	CurrentUser  CurrentUserResolver
	ErrorHandler router.ErrorHandler
}

type AccountsControllerOption func(*AccountsController) *AccountsController

func WithControllerRepo(repo RepositoryManager) AccountsControllerOption {
	return func(c *AccountsController) *AccountsController {
		c.Repo = repo
		return c
	}
}

func WithControllerServices(reg *RegistrationService, conf *ConfirmationService, rec *RecoveryService, acc *AccountService) AccountsControllerOption {
	return func(c *AccountsController) *AccountsController {
		c.Registration = reg
		c.Confirmation = conf
		c.Recovery = rec
		c.Account = acc
		return c
	}
}

func WithControllerLogger(l Logger) AccountsControllerOption {
	return func(c *AccountsController) *AccountsController {
		if l != nil {
			c.Logger = l
		}
		return c
	}
}

func WithControllerCurrentUser(resolver CurrentUserResolver) AccountsControllerOption {
	return func(c *AccountsController) *AccountsController {
		if resolver != nil {
			c.CurrentUser = resolver
		}
		return c
	}
}

func WithControllerDebug(debug bool) AccountsControllerOption {
	return func(c *AccountsController) *AccountsController {
		c.Debug = debug
		return c
	}
}

func NewAccountsController(opts ...AccountsControllerOption) *AccountsController {
	c := &AccountsController{
		Logger:       defLogger{},
		ErrorHandler: defaultErrHandler,
		CurrentUser: func(router.Context) (*User, error) {
			return nil, goerrors.New("no current user resolver configured", goerrors.CategoryAuth)
		},
		Routes: &AccountsControllerRoutes{
			Register:    "/register",
			Confirm:     "/confirm",
			Resend:      "/resend",
			Recovery:    "/recovery",
			Settings:    "/settings",
			EmailChange: "/settings/email",
			AdminUsers:  "/admin/users",
		},
		Views: &AccountsControllerViews{
			Register:     "register",
			Resend:       "resend",
			Recovery:     "recovery",
			RecoveryForm: "recovery_form",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Repo == nil {
		panic("Missing RepositoryManager in accounts controller...")
	}

	if c.Registration == nil || c.Confirmation == nil || c.Recovery == nil || c.Account == nil {
		panic("Missing services in accounts controller...")
	}

	return c
}

func defaultErrHandler(ctx router.Context, err error) error {
	return ctx.JSON(router.StatusInternalServerError, map[string]string{
		"error": err.Error(),
	})
}

func (a *AccountsController) RegistrationShow(ctx router.Context) error {
	return ctx.Render(a.Views.Register, router.ViewContext{
		"errors": map[string]string{},
		"record": RegistrationForm{},
	})
}

// RegistrationCreatePayload is the sign up form payload.
type RegistrationCreatePayload struct {
	Username        string `form:"username" json:"username"`
	Email           string `form:"email" json:"email"`
	Phone           string `form:"phone_number" json:"phone_number"`
	Password        string `form:"password" json:"password"`
	ConfirmPassword string `form:"confirm_password" json:"confirm_password"`
}

// Validate will validate the payload
func (r RegistrationCreatePayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(3, 255)),
		validation.Field(&r.Email, validation.Required, validation.Length(6, 255), is.Email),
		validation.Field(&r.Password, validation.Length(6, 72)),
		validation.Field(
			&r.ConfirmPassword,
			validation.By(validateStringEquals(r.Password)),
		),
	)
}

func validateStringEquals(expected string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != expected {
			return goerrors.New("values do not match", goerrors.CategoryValidation)
		}
		return nil
	}
}

func (a *AccountsController) RegistrationCreate(ctx router.Context) error {
	payload := new(RegistrationCreatePayload)

	if err := ctx.Bind(payload); err != nil {
		a.Logger.Error("register parse payload: %v", err)
		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Error parsing body",
		}).Status(router.StatusBadRequest).Render(a.Views.Register, router.ViewContext{
			"errors": map[string]string{"form": "Failed to parse form"},
			"record": payload,
		})
	}

	if err := payload.Validate(); err != nil {
		a.Logger.Error("register validate payload: %v", err)
		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Error validating payload",
		}).Render(a.Views.Register, router.ViewContext{
			"record":     payload,
			"validation": err.Error(),
		})
	}

	if a.Debug {
		fmt.Println("====== ACCOUNT REGISTER ======")
		fmt.Println(print.MaybePrettyJSON(payload))
		fmt.Println("==============================")
	}

	form := &RegistrationForm{
		Username: payload.Username,
		Email:    payload.Email,
		Password: payload.Password,
		Phone:    payload.Phone,
	}

	rctx, rec := WithNotices(ctx.Context())
	user, err := a.Registration.Register(rctx, form)
	if err != nil {
		a.Logger.Error("register user: %v", err)
		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Error creating account",
		}).Render(a.Views.Register, router.ViewContext{
			"record": payload,
			"errors": []string{err.Error()},
		})
	}

	if user == nil {
		return ctx.JSON(router.StatusNotFound, map[string]string{
			"error": "not found",
		})
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": noticeOr(rec, MsgAccountCreated),
	}).Redirect("/", router.StatusSeeOther)
}

// ConfirmGet consumes a confirmation link.
func (a *AccountsController) ConfirmGet(ctx router.Context) error {
	user, err := a.userFromParam(ctx)
	if err != nil {
		return flash.WithError(ctx, router.ViewContext{
			"error_message": MsgConfirmationInvalid,
		}).Redirect("/login", router.StatusSeeOther)
	}

	rctx, rec := WithNotices(ctx.Context())
	ok, err := a.Confirmation.AttemptConfirmation(rctx, user, ctx.Param("code"))
	if err != nil || !ok {
		if err != nil {
			a.Logger.Warn("confirmation attempt failed for %s: %v", user.ID, err)
		}
		return flash.WithError(ctx, router.ViewContext{
			"error_message": noticeOr(rec, MsgConfirmationInvalid),
		}).Redirect("/login", router.StatusSeeOther)
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": noticeOr(rec, MsgConfirmationComplete),
	}).Redirect("/", router.StatusSeeOther)
}

func (a *AccountsController) ResendShow(ctx router.Context) error {
	return ctx.Render(a.Views.Resend, router.ViewContext{
		"errors": nil,
	})
}

// ResendPayload identifies the account asking for a fresh link.
type ResendPayload struct {
	Email string `form:"email" json:"email"`
}

func (r ResendPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

func (a *AccountsController) ResendPost(ctx router.Context) error {
	payload := new(ResendPayload)

	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return flash.WithError(ctx, router.ViewContext{
			"error_message": err.Error(),
		}).Render(a.Views.Resend, router.ViewContext{
			"record":     payload,
			"validation": err.Error(),
		})
	}

	user, err := a.Repo.Users().FindByEmail(ctx.Context(), payload.Email)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	// unknown or already confirmed addresses get the same response as a
	// successful resend
	if user != nil && !user.IsConfirmed() {
		rctx, _ := WithNotices(ctx.Context())
		if _, err := a.Confirmation.ResendConfirmationMessage(rctx, user); err != nil {
			a.Logger.Error("resend confirmation: %v", err)
			return a.ErrorHandler(ctx, err)
		}
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": MsgConfirmationResent,
	}).Redirect("/login", router.StatusSeeOther)
}

func (a *AccountsController) RecoveryShow(ctx router.Context) error {
	return ctx.Render(a.Views.Recovery, router.ViewContext{
		"errors": nil,
	})
}

// RecoveryRequestPayload identifies the account to recover.
type RecoveryRequestPayload struct {
	Email string `form:"email" json:"email"`
}

func (r RecoveryRequestPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

func (a *AccountsController) RecoveryRequest(ctx router.Context) error {
	payload := new(RecoveryRequestPayload)

	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return flash.WithError(ctx, router.ViewContext{
			"error_message": err.Error(),
		}).Render(a.Views.Recovery, router.ViewContext{
			"record":     payload,
			"validation": err.Error(),
		})
	}

	rctx, rec := WithNotices(ctx.Context())
	ok, err := a.Recovery.Request(rctx, payload.Email)
	if err != nil {
		a.Logger.Error("recovery request: %v", err)
		return a.ErrorHandler(ctx, err)
	}

	if !ok {
		return ctx.JSON(router.StatusNotFound, map[string]string{
			"error": "not found",
		})
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": noticeOr(rec, MsgRecoveryRequested),
	}).Redirect("/login", router.StatusSeeOther)
}

func (a *AccountsController) RecoveryForm(ctx router.Context) error {
	return ctx.Render(a.Views.RecoveryForm, router.ViewContext{
		"errors": nil,
		"id":     ctx.Param("id"),
		"code":   ctx.Param("code"),
	})
}

// RecoveryResetPayload carries the replacement password.
type RecoveryResetPayload struct {
	Password        string `form:"password" json:"password"`
	ConfirmPassword string `form:"confirm_password" json:"confirm_password"`
}

func (r RecoveryResetPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Password, validation.Required, validation.Length(6, 72)),
		validation.Field(
			&r.ConfirmPassword,
			validation.Required,
			validation.By(validateStringEquals(r.Password)),
		),
	)
}

func (a *AccountsController) RecoveryReset(ctx router.Context) error {
	payload := new(RecoveryResetPayload)

	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return flash.WithError(ctx, router.ViewContext{
			"error_message": err.Error(),
		}).Render(a.Views.RecoveryForm, router.ViewContext{
			"validation": err.Error(),
			"id":         ctx.Param("id"),
			"code":       ctx.Param("code"),
		})
	}

	userID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		return flash.WithError(ctx, router.ViewContext{
			"error_message": MsgRecoveryInvalid,
		}).Redirect("/login", router.StatusSeeOther)
	}

	rctx, rec := WithNotices(ctx.Context())
	ok, err := a.Recovery.Reset(rctx, userID, ctx.Param("code"), payload.Password)
	if err != nil || !ok {
		if err != nil {
			a.Logger.Warn("recovery reset failed for %s: %v", userID, err)
		}
		return flash.WithError(ctx, router.ViewContext{
			"error_message": noticeOr(rec, MsgRecoveryInvalid),
		}).Redirect("/login", router.StatusSeeOther)
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": noticeOr(rec, MsgPasswordChanged),
	}).Redirect("/login", router.StatusSeeOther)
}

// EmailChangePayload carries the requested address.
type EmailChangePayload struct {
	Email string `form:"email" json:"email"`
}

func (r EmailChangePayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

func (a *AccountsController) EmailChangeRequest(ctx router.Context) error {
	user, err := a.CurrentUser(ctx)
	if err != nil || user == nil {
		return ctx.JSON(router.StatusUnauthorized, map[string]string{
			"error": "authentication required",
		})
	}

	payload := new(EmailChangePayload)
	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return ctx.JSON(router.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	rctx, rec := WithNotices(ctx.Context())
	if _, err := a.Account.RequestEmailChange(rctx, user, payload.Email); err != nil {
		a.Logger.Error("email change request: %v", err)
		return ctx.JSON(statusFor(err), map[string]string{
			"error": err.Error(),
		})
	}

	return ctx.JSON(router.StatusOK, map[string]string{
		"message": noticeOr(rec, MsgEmailChangeRequested),
	})
}

func (a *AccountsController) EmailChangeConfirm(ctx router.Context) error {
	user, err := a.userFromParam(ctx)
	if err != nil {
		return flash.WithError(ctx, router.ViewContext{
			"error_message": MsgEmailChangeInvalid,
		}).Redirect("/", router.StatusSeeOther)
	}

	rctx, rec := WithNotices(ctx.Context())
	if _, err := a.Account.AttemptEmailChange(rctx, user, ctx.Param("code")); err != nil {
		a.Logger.Warn("email change attempt failed for %s: %v", user.ID, err)
		return flash.WithError(ctx, router.ViewContext{
			"error_message": noticeOr(rec, MsgEmailChangeInvalid),
		}).Redirect("/", router.StatusSeeOther)
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": noticeOr(rec, MsgEmailChanged),
	}).Redirect("/", router.StatusSeeOther)
}

// AdminCreatePayload is the admin user creation body.
type AdminCreatePayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone_number"`
}

func (r AdminCreatePayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(3, 255)),
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Length(6, 72)),
	)
}

func (a *AccountsController) AdminCreate(ctx router.Context) error {
	payload := new(AdminCreatePayload)

	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return ctx.JSON(router.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	user, err := a.Account.Create(ctx.Context(), &RegistrationForm{
		Username: payload.Username,
		Email:    payload.Email,
		Password: payload.Password,
		Phone:    payload.Phone,
	})
	if err != nil {
		a.Logger.Error("admin create user: %v", err)
		return ctx.JSON(statusFor(err), map[string]string{
			"error": err.Error(),
		})
	}

	return ctx.JSON(router.StatusCreated, user)
}

func (a *AccountsController) AdminApprove(ctx router.Context) error {
	return a.adminTransition(ctx, a.Account.Approve)
}

func (a *AccountsController) AdminBlock(ctx router.Context) error {
	return a.adminTransition(ctx, a.Account.Block)
}

func (a *AccountsController) AdminUnblock(ctx router.Context) error {
	return a.adminTransition(ctx, a.Account.Unblock)
}

func (a *AccountsController) adminTransition(ctx router.Context, op func(context.Context, *User) (bool, error)) error {
	user, err := a.userFromParam(ctx)
	if err != nil {
		return ctx.JSON(router.StatusNotFound, map[string]string{
			"error": "user not found",
		})
	}

	ok, err := op(ctx.Context(), user)
	if err != nil {
		a.Logger.Error("admin transition failed for %s: %v", user.ID, err)
		return ctx.JSON(statusFor(err), map[string]string{
			"error": err.Error(),
		})
	}

	if !ok {
		return ctx.JSON(router.StatusNotFound, map[string]string{
			"error": "not found",
		})
	}

	return ctx.JSON(router.StatusOK, user)
}

func (a *AccountsController) userFromParam(ctx router.Context) (*User, error) {
	id := ctx.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return nil, badRequest("invalid user id")
	}
	return a.Repo.Users().GetByIdentifier(ctx.Context(), id)
}

// statusFor maps error categories onto HTTP status codes.
func statusFor(err error) int {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return router.StatusInternalServerError
	}

	switch rich.Category {
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return router.StatusBadRequest
	case goerrors.CategoryConflict:
		return router.StatusConflict
	case goerrors.CategoryNotFound:
		return router.StatusNotFound
	case goerrors.CategoryAuth:
		return router.StatusUnauthorized
	default:
		return router.StatusInternalServerError
	}
}

// noticeOr returns the last recorded notice message, or fallback when the
// service emitted none.
func noticeOr(rec *NoticeRecorder, fallback string) string {
	if n := rec.Last(); n.Message != "" {
		return n.Message
	}
	return fallback
}
