package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/apperr"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/db"
)

// =========== Working Hours Repository ===========

type workingHoursRepoPG struct{ pool *pgxpool.Pool }

func NewWorkingHoursRepoPG(pool *pgxpool.Pool) WorkingHoursRepository {
	return &workingHoursRepoPG{pool: pool}
}

const whCols = `id, doctor_id, room_assignment_id, weekday, start_time, end_time, active`

func scanWorkingHours(row pgx.Row) (*WorkingHours, error) {
	var wh WorkingHours
	var start, end pgtype.Time
	if err := row.Scan(&wh.ID, &wh.DoctorID, &wh.RoomAssignmentID, &wh.Weekday, &start, &end, &wh.Active); err != nil {
		return nil, err
	}
	wh.StartTime = TimeOfDay(time.Duration(start.Microseconds) * time.Microsecond)
	wh.EndTime = TimeOfDay(time.Duration(end.Microseconds) * time.Microsecond)
	return &wh, nil
}

func (r *workingHoursRepoPG) GetActive(ctx context.Context, doctorID, roomAssignmentID uuid.UUID, weekday int) (*WorkingHours, error) {
	wh, err := scanWorkingHours(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+whCols+` FROM working_hours
		WHERE doctor_id = $1 AND room_assignment_id = $2 AND weekday = $3 AND active`,
		doctorID, roomAssignmentID, weekday))
	if db.IsNoRows(err) {
		return nil, ErrWorkingHoursNotFound
	}
	if err != nil {
		return nil, apperr.Persistence("get working hours", err)
	}
	return wh, nil
}

func (r *workingHoursRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*WorkingHours, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+whCols+` FROM working_hours
		WHERE doctor_id = $1 AND active ORDER BY room_assignment_id, weekday`, doctorID)
	if err != nil {
		return nil, apperr.Persistence("list working hours", err)
	}
	defer rows.Close()
	var items []*WorkingHours
	for rows.Next() {
		wh, err := scanWorkingHours(rows)
		if err != nil {
			return nil, apperr.Persistence("scan working hours", err)
		}
		items = append(items, wh)
	}
	return items, rows.Err()
}

// =========== Room Assignment Repository ===========

type roomAssignmentRepoPG struct{ pool *pgxpool.Pool }

func NewRoomAssignmentRepoPG(pool *pgxpool.Pool) RoomAssignmentRepository {
	return &roomAssignmentRepoPG{pool: pool}
}

func (r *roomAssignmentRepoPG) GetActive(ctx context.Context, id uuid.UUID) (*RoomAssignment, error) {
	var ra RoomAssignment
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, doctor_id, room, active FROM room_assignment WHERE id = $1 AND active`, id).
		Scan(&ra.ID, &ra.DoctorID, &ra.Room, &ra.Active)
	if db.IsNoRows(err) {
		return nil, ErrRoomAssignmentNotFound
	}
	if err != nil {
		return nil, apperr.Persistence("get room assignment", err)
	}
	return &ra, nil
}

// =========== Slot Repository ===========

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const slotCols = `id, room_assignment_id, start_time, duration_minutes, occupied, cancelled,
	note, reason_for_visit, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var sl Slot
	err := row.Scan(&sl.ID, &sl.RoomAssignmentID, &sl.StartTime, &sl.DurationMinutes,
		&sl.Occupied, &sl.Cancelled, &sl.Note, &sl.ReasonForVisit, &sl.CreatedAt, &sl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sl, nil
}

// slotWriteErr translates constraint violations raised by slot writes.
func slotWriteErr(op string, err error) error {
	switch {
	case db.IsExclusionViolation(err):
		return &ConflictError{}
	case db.IsForeignKeyViolation(err):
		return ErrRoomAssignmentNotFound
	}
	return apperr.Persistence(op, err)
}

func (r *slotRepoPG) Create(ctx context.Context, sl *Slot) error {
	sl.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO availability_slot (id, room_assignment_id, start_time, duration_minutes, end_time,
			occupied, cancelled, note, reason_for_visit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		sl.ID, sl.RoomAssignmentID, sl.StartTime, sl.DurationMinutes, sl.EndTime(),
		sl.Occupied, sl.Cancelled, sl.Note, sl.ReasonForVisit).
		Scan(&sl.CreatedAt, &sl.UpdatedAt)
	if err != nil {
		return slotWriteErr("insert slot", err)
	}
	return nil
}

func (r *slotRepoPG) get(ctx context.Context, query string, id uuid.UUID) (*Slot, error) {
	sl, err := scanSlot(r.conn(ctx).QueryRow(ctx, query, id))
	if db.IsNoRows(err) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, apperr.Persistence("get slot", err)
	}
	return sl, nil
}

func (r *slotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.get(ctx, `SELECT `+slotCols+` FROM availability_slot WHERE id = $1`, id)
}

func (r *slotRepoPG) Lock(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.get(ctx, `SELECT `+slotCols+` FROM availability_slot WHERE id = $1 FOR UPDATE`, id)
}

func (r *slotRepoPG) Update(ctx context.Context, id uuid.UUID, p SlotPatch) (*Slot, error) {
	if p.Empty() {
		return nil, ErrNothingToUpdate
	}

	var sets []string
	args := []interface{}{id}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	// Within one UPDATE the right-hand side sees the old row, so end_time
	// is computed from whichever of start/duration the patch supplies.
	switch {
	case p.StartTime != nil && p.DurationMinutes != nil:
		s, d := arg(*p.StartTime), arg(*p.DurationMinutes)
		sets = append(sets, "start_time = "+s, "duration_minutes = "+d,
			fmt.Sprintf("end_time = %s::timestamptz + make_interval(mins => %s::int)", s, d))
	case p.StartTime != nil:
		s := arg(*p.StartTime)
		sets = append(sets, "start_time = "+s,
			fmt.Sprintf("end_time = %s::timestamptz + make_interval(mins => duration_minutes)", s))
	case p.DurationMinutes != nil:
		d := arg(*p.DurationMinutes)
		sets = append(sets, "duration_minutes = "+d,
			fmt.Sprintf("end_time = start_time + make_interval(mins => %s::int)", d))
	}
	if p.Cancelled != nil {
		sets = append(sets, "cancelled = "+arg(*p.Cancelled))
	}
	if p.Note != nil {
		sets = append(sets, "note = "+arg(*p.Note))
	}
	if p.ReasonForVisit != nil {
		sets = append(sets, "reason_for_visit = "+arg(*p.ReasonForVisit))
	}
	sets = append(sets, "updated_at = NOW()")

	sl, err := scanSlot(r.conn(ctx).QueryRow(ctx,
		`UPDATE availability_slot SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+slotCols, args...))
	if db.IsNoRows(err) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, slotWriteErr("update slot", err)
	}
	return sl, nil
}

func (r *slotRepoPG) SetOccupied(ctx context.Context, id uuid.UUID, occupied bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE availability_slot SET occupied = $2, updated_at = NOW() WHERE id = $1`, id, occupied)
	if err != nil {
		return apperr.Persistence("set slot occupancy", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *slotRepoPG) DeleteIfUnoccupied(ctx context.Context, id uuid.UUID) (*Slot, error) {
	sl, err := scanSlot(r.conn(ctx).QueryRow(ctx,
		`DELETE FROM availability_slot WHERE id = $1 AND NOT occupied RETURNING `+slotCols, id))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, slotWriteErr("delete slot", err)
	}
	return sl, nil
}

func (r *slotRepoPG) List(ctx context.Context, f SlotFilter, limit, offset int) ([]*Slot, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.RoomAssignmentID != nil {
		where += fmt.Sprintf(` AND room_assignment_id = $%d`, idx)
		args = append(args, *f.RoomAssignmentID)
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND start_time >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND start_time < $%d`, idx)
		args = append(args, *f.To)
		idx++
	}
	if f.FreeOnly {
		where += ` AND NOT occupied AND NOT cancelled`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM availability_slot`+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Persistence("count slots", err)
	}

	query := `SELECT ` + slotCols + ` FROM availability_slot` + where +
		fmt.Sprintf(` ORDER BY start_time ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperr.Persistence("list slots", err)
	}
	defer rows.Close()
	var items []*Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, 0, apperr.Persistence("scan slot", err)
		}
		items = append(items, sl)
	}
	return items, total, rows.Err()
}

// FindOverlap applies s1 < e2 AND s2 < e1 against the stored end_time.
// Cancelled slots still block the interval, matching the exclusion constraint.
func (r *slotRepoPG) FindOverlap(ctx context.Context, roomAssignmentID uuid.UUID, start time.Time, durationMinutes int, exclude *uuid.UUID) (*Slot, error) {
	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	query := `SELECT ` + slotCols + ` FROM availability_slot
		WHERE room_assignment_id = $1 AND start_time < $3 AND $2 < end_time`
	args := []interface{}{roomAssignmentID, start, end}
	if exclude != nil {
		query += ` AND id <> $4`
		args = append(args, *exclude)
	}
	query += ` ORDER BY start_time LIMIT 1`

	sl, err := scanSlot(r.conn(ctx).QueryRow(ctx, query, args...))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("find overlapping slot", err)
	}
	return sl, nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const apptCols = `id, doctor_id, patient_id, slot_id, room_assignment_id, for_proxy, proxy_name,
	cancelled, cancellation_reason, cancelled_at, attended, no_show, diagnosis, observations,
	calendar_event_id, reminder_sent_at, created_at, updated_at`

// scanAppt reads apptCols. slot_id is NULL on a cancelled appointment whose
// freed slot was deleted; it scans as uuid.Nil.
func scanAppt(row pgx.Row) (*Appointment, error) {
	var (
		a      Appointment
		slotID *uuid.UUID
	)
	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &slotID, &a.RoomAssignmentID,
		&a.ForProxy, &a.ProxyName, &a.Cancelled, &a.CancellationReason, &a.CancelledAt,
		&a.Attended, &a.NoShow, &a.Diagnosis, &a.Observations,
		&a.CalendarEventID, &a.ReminderSentAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if slotID != nil {
		a.SlotID = *slotID
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, doctor_id, patient_id, slot_id, room_assignment_id, for_proxy, proxy_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		a.ID, a.DoctorID, a.PatientID, a.SlotID, a.RoomAssignmentID, a.ForProxy, a.ProxyName).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err):
		return ErrSlotAlreadyBooked
	case db.IsForeignKeyViolation(err):
		return &ValidationError{Fields: []string{fkField(db.ConstraintName(err))}}
	}
	return apperr.Persistence("insert appointment", err)
}

// fkField names the request field behind a violated appointment foreign key.
func fkField(constraint string) string {
	for _, f := range []string{"doctor_id", "patient_id", "slot_id", "room_assignment_id"} {
		if strings.Contains(constraint, f) {
			return f
		}
	}
	return "reference"
}

func (r *appointmentRepoPG) get(ctx context.Context, query string, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppt(r.conn(ctx).QueryRow(ctx, query, id))
	if db.IsNoRows(err) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, apperr.Persistence("get appointment", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.get(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id)
}

func (r *appointmentRepoPG) Lock(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.get(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1 FOR UPDATE`, id)
}

func (r *appointmentRepoPG) Cancel(ctx context.Context, id uuid.UUID, reason *string) (*Appointment, error) {
	a, err := scanAppt(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET cancelled = TRUE, cancellation_reason = $2, cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND NOT cancelled
		RETURNING `+apptCols, id, reason))
	switch {
	case db.IsNoRows(err):
		return nil, nil
	case db.IsCheckViolation(err):
		return nil, ErrHasOutcome
	case err != nil:
		return nil, apperr.Persistence("cancel appointment", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, id uuid.UUID, p AppointmentPatch) (*Appointment, error) {
	if p.Empty() {
		return nil, ErrNothingToUpdate
	}

	var sets []string
	args := []interface{}{id}
	set := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.Diagnosis != nil {
		set("diagnosis", *p.Diagnosis)
	}
	if p.Observations != nil {
		set("observations", *p.Observations)
	}
	if p.ForProxy != nil {
		set("for_proxy", *p.ForProxy)
	}
	if p.ProxyName != nil {
		set("proxy_name", *p.ProxyName)
	}
	if p.Attended != nil {
		set("attended", *p.Attended)
	}
	if p.NoShow != nil {
		set("no_show", *p.NoShow)
	}
	sets = append(sets, "updated_at = NOW()")

	a, err := scanAppt(r.conn(ctx).QueryRow(ctx,
		`UPDATE appointment SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+apptCols, args...))
	switch {
	case err == nil:
		return a, nil
	case db.IsNoRows(err):
		return nil, ErrAppointmentNotFound
	case db.IsCheckViolation(err):
		return nil, ErrConflictingOutcome
	}
	return nil, apperr.Persistence("update appointment", err)
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, apperr.Persistence("count appointments", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Persistence("list appointments", err)
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppt(rows)
		if err != nil {
			return nil, 0, apperr.Persistence("scan appointment", err)
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) CountNoShows(ctx context.Context, patientID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointment WHERE patient_id = $1 AND no_show`, patientID).Scan(&n)
	if err != nil {
		return 0, apperr.Persistence("count no-shows", err)
	}
	return n, nil
}

func (r *appointmentRepoPG) ListDueForReminder(ctx context.Context, from, to time.Time, limit int) ([]*DueReminder, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+prefixCols("a", apptCols)+`, s.start_time, s.duration_minutes
		FROM appointment a
		JOIN availability_slot s ON s.id = a.slot_id
		WHERE s.start_time >= $1 AND s.start_time < $2
		  AND NOT a.cancelled AND NOT a.attended AND a.reminder_sent_at IS NULL
		ORDER BY s.start_time
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, apperr.Persistence("list due reminders", err)
	}
	defer rows.Close()

	var items []*DueReminder
	for rows.Next() {
		var a Appointment
		var d DueReminder
		if err := rows.Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.SlotID, &a.RoomAssignmentID,
			&a.ForProxy, &a.ProxyName, &a.Cancelled, &a.CancellationReason, &a.CancelledAt,
			&a.Attended, &a.NoShow, &a.Diagnosis, &a.Observations,
			&a.CalendarEventID, &a.ReminderSentAt, &a.CreatedAt, &a.UpdatedAt,
			&d.SlotStart, &d.DurationMinutes); err != nil {
			return nil, apperr.Persistence("scan due reminder", err)
		}
		d.Appointment = &a
		items = append(items, &d)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET reminder_sent_at = $2, updated_at = NOW()
		WHERE id = $1 AND reminder_sent_at IS NULL`, id, at)
	if err != nil {
		return false, apperr.Persistence("mark reminder sent", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *appointmentRepoPG) SetCalendarEvent(ctx context.Context, id uuid.UUID, eventID *string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE appointment SET calendar_event_id = $2, updated_at = NOW() WHERE id = $1`, id, eventID)
	if err != nil {
		return apperr.Persistence("set calendar event", err)
	}
	return nil
}

// prefixCols qualifies a comma separated column list with a table alias.
func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
