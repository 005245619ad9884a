package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/dagz55/gotryke-auth/internal/logging"
	"github.com/dagz55/gotryke-auth/internal/middleware"
	"github.com/dagz55/gotryke-auth/internal/otp"
	"github.com/dagz55/gotryke-auth/internal/session"
)

// Handler exposes the /auth endpoints.
type Handler struct {
	svc     *Service
	cookies *session.Establisher
	logger  *slog.Logger
}

// NewHandler constructs an auth handler.
func NewHandler(svc *Service, cookies *session.Establisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{svc: svc, cookies: cookies, logger: logger}
}

// ErrorHandler renders every failure as {success:false,error}. Failures on
// our side or upstream are logged in full and answered with a generic message.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"success": false, "error": fe.Message})
		}
		ae := Classify(err)
		if ae.Internal() {
			logger.Error("request failed",
				slog.String("method", c.Method()),
				slog.String("path", c.Path()),
				slog.String("kind", string(ae.Kind)),
				slog.String("request_id", middleware.RequestIDFrom(c)),
				slog.Any("error", err),
			)
		}
		return c.Status(ae.Status()).JSON(fiber.Map{"success": false, "error": ae.Public()})
	}
}

func success(c *fiber.Ctx, status int, body fiber.Map) error {
	if body == nil {
		body = fiber.Map{}
	}
	body["success"] = true
	return c.Status(status).JSON(body)
}

func parse(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return validation("invalid request body")
	}
	return nil
}

type signUpRequest struct {
	Phone    string         `json:"phone"`
	Name     string         `json:"name"`
	Role     string         `json:"role"`
	PIN      string         `json:"pin"`
	Metadata map[string]any `json:"metadata"`
}

func (r signUpRequest) input() SignUpInput {
	return SignUpInput{Phone: r.Phone, Name: r.Name, Role: r.Role, PIN: r.PIN, Metadata: r.Metadata}
}

// SignUp registers a passenger or rider.
func (h *Handler) SignUp(c *fiber.Ctx) error {
	var req signUpRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	p, err := h.svc.SignUp(c.UserContext(), req.input())
	if err != nil {
		return err
	}
	return success(c, http.StatusCreated, fiber.Map{"profile": p})
}

// AdminCreateUser registers an account with any role.
func (h *Handler) AdminCreateUser(c *fiber.Ctx) error {
	var req signUpRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	p, err := h.svc.CreateUser(c.UserContext(), req.input())
	if err != nil {
		return err
	}
	return success(c, http.StatusCreated, fiber.Map{"profile": p})
}

type signInRequest struct {
	Phone string `json:"phone"`
	PIN   string `json:"pin"`
}

// SignIn verifies phone and PIN and sets the session cookies before the
// response body is written.
func (h *Handler) SignIn(c *fiber.Ctx) error {
	var req signInRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	res, err := h.svc.SignIn(c.UserContext(), req.Phone, req.PIN)
	if err != nil {
		return err
	}
	if err := h.cookies.Establish(c, res.Session); err != nil {
		return err
	}
	return success(c, http.StatusOK, fiber.Map{
		"user":    res.User,
		"profile": res.Profile,
		"session": res.Session,
	})
}

type otpRequest struct {
	Phone   string `json:"phone"`
	Code    string `json:"code"`
	Purpose string `json:"purpose"`
}

// SendOTP texts a verification code.
func (h *Handler) SendOTP(c *fiber.Ctx) error {
	var req otpRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	purpose, err := otp.ParsePurpose(req.Purpose)
	if err != nil {
		return err
	}
	if err := h.svc.SendOTP(c.UserContext(), req.Phone, purpose); err != nil {
		return err
	}
	return success(c, http.StatusOK, fiber.Map{"message": "verification code sent"})
}

// VerifyOTP checks a verification code.
func (h *Handler) VerifyOTP(c *fiber.Ctx) error {
	var req otpRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	purpose, err := otp.ParsePurpose(req.Purpose)
	if err != nil {
		return err
	}
	if err := h.svc.VerifyOTP(c.UserContext(), req.Phone, req.Code, purpose); err != nil {
		return err
	}
	return success(c, http.StatusOK, fiber.Map{"message": "phone verified"})
}

type resetPINRequest struct {
	Phone  string `json:"phone"`
	OTP    string `json:"otp"`
	NewPIN string `json:"newPin"`
}

// ResetPIN has two steps: {phone} sends a reset code, {phone,otp,newPin}
// verifies it and replaces the PIN.
func (h *Handler) ResetPIN(c *fiber.Ctx) error {
	var req resetPINRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	if req.OTP == "" && req.NewPIN == "" {
		if err := h.svc.RequestPINReset(c.UserContext(), req.Phone); err != nil {
			return err
		}
		return success(c, http.StatusOK, fiber.Map{"message": "verification code sent"})
	}
	if err := h.svc.ResetPIN(c.UserContext(), req.Phone, req.OTP, req.NewPIN); err != nil {
		return err
	}
	return success(c, http.StatusOK, fiber.Map{"message": "PIN updated"})
}

type updatePINRequest struct {
	CurrentPIN string `json:"currentPin"`
	NewPIN     string `json:"newPin"`
}

// UpdatePIN changes the PIN of the signed-in user.
func (h *Handler) UpdatePIN(c *fiber.Ctx) error {
	var req updatePINRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	uid, _ := c.Locals(middleware.LocalUserID).(string)
	if err := h.svc.UpdatePIN(c.UserContext(), uid, req.CurrentPIN, req.NewPIN); err != nil {
		return err
	}
	return success(c, http.StatusOK, fiber.Map{"message": "PIN updated"})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates the session from the refresh cookie or body.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var req refreshRequest
	_ = c.BodyParser(&req)
	if req.RefreshToken == "" {
		_, req.RefreshToken = session.Tokens(c)
	}
	s, err := h.svc.Refresh(c.UserContext(), req.RefreshToken)
	if err != nil {
		h.cookies.Clear(c)
		return err
	}
	if err := h.cookies.Establish(c, s); err != nil {
		return err
	}
	return success(c, http.StatusOK, fiber.Map{"session": s})
}

// SignOut revokes the session and clears the cookies. It always succeeds
// for the caller; revocation failures are logged.
func (h *Handler) SignOut(c *fiber.Ctx) error {
	if err := h.svc.SignOut(c.UserContext(), middleware.AccessToken(c)); err != nil {
		h.logger.Warn("session revoke failed", slog.Any("error", err))
	}
	h.cookies.Clear(c)
	return success(c, http.StatusOK, nil)
}

// Me returns the signed-in user's identity and profile.
func (h *Handler) Me(c *fiber.Ctx) error {
	uid, _ := c.Locals(middleware.LocalUserID).(string)
	user, p, err := h.svc.Current(c.UserContext(), uid)
	if err != nil {
		return err
	}
	return success(c, http.StatusOK, fiber.Map{"user": user, "profile": p})
}

type updateProfileRequest struct {
	Name     *string        `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// UpdateProfile edits the signed-in user's name and metadata.
func (h *Handler) UpdateProfile(c *fiber.Ctx) error {
	var req updateProfileRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	uid, _ := c.Locals(middleware.LocalUserID).(string)
	p, err := h.svc.UpdateProfile(c.UserContext(), uid, ProfileUpdate{Name: req.Name, Metadata: req.Metadata})
	if err != nil {
		return err
	}
	return success(c, http.StatusOK, fiber.Map{"profile": p})
}

// Drift lists orphaned identities for operators.
func (h *Handler) Drift(c *fiber.Ctx) error {
	records, err := h.svc.Drift(c.UserContext(), c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	return success(c, http.StatusOK, fiber.Map{"records": records})
}
