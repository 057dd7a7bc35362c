package main

import (
	"fmt"
	"net/http"

	"github.com/aoideee/library-lending/internal/data"
	"github.com/aoideee/library-lending/internal/validator"
)

// createMemberHandler handles POST /members. The member code is generated by
// the store and returned in the response.
func (app *applicationDependencies) createMemberHandler(w http.ResponseWriter, r *http.Request) {
	// Decode the incoming JSON body. member_code is not accepted from clients.
	var input data.CreateMemberInput

	err := app.readJSON(w, r, &input)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	member := &data.Member{
		Name:  input.Name,
		Email: input.Email,
	}

	v := validator.New()
	if data.ValidateMember(v, member); !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	// Insert assigns the id and the next member code.
	err = app.models.Members.Insert(r.Context(), member)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	headers := make(http.Header)
	headers.Set("Location", fmt.Sprintf("/members/%d", member.ID))

	err = app.writeJSON(w, http.StatusCreated, envelope{"member": member}, headers)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// showMemberHandler handles GET /members/:id.
func (app *applicationDependencies) showMemberHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	member, err := app.models.Members.Get(r.Context(), id)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"member": member}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// listMembersHandler handles GET /members.
// Supported query parameters: search, sort, page, page_size.
func (app *applicationDependencies) listMembersHandler(w http.ResponseWriter, r *http.Request) {
	var filters data.MemberFilters

	v := validator.New()
	qs := r.URL.Query()

	filters.Search = app.readString(qs, "search", "")
	filters.Page = app.readInt(qs, "page", 1, v)
	filters.PageSize = app.readInt(qs, "page_size", 20, v)
	filters.Sort = app.readString(qs, "sort", "id")
	filters.SortSafeList = data.MemberSortSafeList

	if data.ValidateFilters(v, filters.Filters); !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	members, metadata, err := app.models.Members.GetAll(r.Context(), filters)
	if err != nil {
		app.serverErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"members": members, "metadata": metadata}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// replaceMemberHandler handles PUT /members/:id.
func (app *applicationDependencies) replaceMemberHandler(w http.ResponseWriter, r *http.Request) {
	app.saveMember(w, r, true)
}

// updateMemberHandler handles PATCH /members/:id.
func (app *applicationDependencies) updateMemberHandler(w http.ResponseWriter, r *http.Request) {
	app.saveMember(w, r, false)
}

func (app *applicationDependencies) saveMember(w http.ResponseWriter, r *http.Request, full bool) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	member, err := app.models.Members.Get(r.Context(), id)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	var input data.UpdateMemberInput
	err = app.readJSON(w, r, &input)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	// PUT must carry every field; PATCH applies whatever was sent.
	v := validator.New()
	if full {
		input.Complete(v)
	}
	input.Apply(member)
	if data.ValidateMember(v, member); !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	err = app.models.Members.Update(r.Context(), member)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"member": member}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

// deleteMemberHandler handles DELETE /members/:id.
// Members with borrowing history cannot be deleted.
func (app *applicationDependencies) deleteMemberHandler(w http.ResponseWriter, r *http.Request) {
	id, err := app.readIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	err = app.models.Members.Delete(r.Context(), id)
	if err != nil {
		app.storeErrorResponse(w, r, err)
		return
	}

	err = app.writeJSON(w, http.StatusOK, envelope{"message": "member successfully deleted"}, nil)
	if err != nil {
		app.serverErrorResponse(w, r, err)
	}
}
